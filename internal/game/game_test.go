package game

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wrenwood/tapband/internal/protocol"
)

type fakePub struct {
	cmds []protocol.Command
	err  error
}

func (f *fakePub) Publish(cmd protocol.Command) error {
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

// newGame deals a 4-player round with a fixed deck:
// 1=mafia, 2=doctor, 3=detective, 4=townfolk.
func newGame(t *testing.T) (*Game, *fakePub, *bytes.Buffer) {
	t.Helper()
	pub := &fakePub{}
	out := &bytes.Buffer{}
	g := New(Config{
		Players: 4,
		Shuffle: func([]Role) {},
	}, pub, out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := g.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	return g, pub, out
}

// toNight advances from the fresh day into the mafia phase.
func toNight(t *testing.T, g *Game) {
	t.Helper()
	if err := g.NextPhase(); err != nil {
		t.Fatalf("NextPhase: %v", err)
	}
	if g.Phase() != PhaseNightMafia {
		t.Fatalf("phase = %v, want PhaseNightMafia", g.Phase())
	}
}

func TestReset_AnnouncesRolesWithTaps(t *testing.T) {
	_, pub, out := newGame(t)

	want := []protocol.Command{
		{ID: 1, Taps: 2}, // mafia
		{ID: 2, Taps: 3}, // doctor
		{ID: 3, Taps: 4}, // detective
		{ID: 4, Taps: 1}, // townfolk
	}
	if len(pub.cmds) != len(want) {
		t.Fatalf("sent %d commands, want %d", len(pub.cmds), len(want))
	}
	for i, cmd := range pub.cmds {
		if cmd != want[i] {
			t.Errorf("cmds[%d] = %+v, want %+v", i, cmd, want[i])
		}
	}
	if !strings.Contains(out.String(), "Wristband 1: MAFIA") {
		t.Errorf("deal not printed for the game master:\n%s", out.String())
	}
}

func TestReset_DealsThroughShuffle(t *testing.T) {
	pub := &fakePub{}
	g := New(Config{
		Players: 4,
		Shuffle: func(roles []Role) { roles[0], roles[3] = roles[3], roles[0] },
	}, pub, io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := g.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	// Wristband 1 drew the townfolk card after the swap.
	if pub.cmds[0] != (protocol.Command{ID: 1, Taps: 1}) {
		t.Errorf("cmds[0] = %+v, want townfolk announcement for wristband 1", pub.cmds[0])
	}
	if p, _ := g.Player(4); p.Role != RoleMafia {
		t.Errorf("player 4 role = %s, want mafia", p.Role)
	}
}

func TestReset_PacesRoleAnnouncement(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pub := &fakePub{}
	g := New(Config{
		RoleGap: 800 * time.Millisecond,
		Shuffle: func([]Role) {},
		Clock:   clock,
	}, pub, io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan error, 1)
	go func() { done <- g.Reset() }()

	// One pause after every announcement, the last included.
	for i := 0; i < 4; i++ {
		clock.BlockUntil(1)
		clock.Advance(800 * time.Millisecond)
	}
	if err := <-done; err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(pub.cmds) != 4 {
		t.Errorf("sent %d commands, want 4", len(pub.cmds))
	}
}

func TestNextPhase_NightSequence(t *testing.T) {
	g, pub, _ := newGame(t)
	pub.cmds = nil

	// Day into night: sleep cue to all four, then the mafia wake.
	toNight(t, g)
	if len(pub.cmds) != 5 {
		t.Fatalf("sent %d commands entering night, want 5", len(pub.cmds))
	}
	for i, cmd := range pub.cmds {
		if cmd.Taps != 2 {
			t.Errorf("cmds[%d].Taps = %d, want 2", i, cmd.Taps)
		}
	}

	pub.cmds = nil
	if err := g.NextPhase(); err != nil {
		t.Fatal(err)
	}
	if g.Phase() != PhaseNightDoctor {
		t.Errorf("phase = %v, want PhaseNightDoctor", g.Phase())
	}
	if len(pub.cmds) != 1 || pub.cmds[0] != (protocol.Command{ID: 2, Taps: 2}) {
		t.Errorf("doctor wake cmds = %+v, want one 2-tap cue to wristband 2", pub.cmds)
	}

	if err := g.NextPhase(); err != nil {
		t.Fatal(err)
	}
	if g.Phase() != PhaseNightDetective {
		t.Errorf("phase = %v, want PhaseNightDetective", g.Phase())
	}

	// No kill was staged, so dawn breaks with everyone alive.
	if err := g.NextPhase(); err != nil {
		t.Fatal(err)
	}
	if g.Phase() != PhaseDay {
		t.Errorf("phase = %v, want PhaseDay", g.Phase())
	}
	for id := 1; id <= 4; id++ {
		if p, _ := g.Player(id); !p.Alive {
			t.Errorf("player %d dead after an uneventful night", id)
		}
	}
}

func TestKill_DayLynch(t *testing.T) {
	g, _, out := newGame(t)

	if err := g.Kill(4); err != nil {
		t.Fatal(err)
	}
	if p, _ := g.Player(4); p.Alive {
		t.Error("player 4 alive after lynch")
	}
	if !strings.Contains(out.String(), "Player 4 has been lynched") {
		t.Errorf("lynch not announced:\n%s", out.String())
	}
	// One mafia against two town: no winner yet.
	if strings.Contains(out.String(), "WINS") {
		t.Errorf("premature win announcement:\n%s", out.String())
	}
}

func TestKill_LynchingMafiaEndsRound(t *testing.T) {
	g, _, out := newGame(t)

	if err := g.Kill(1); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "They were the mafia!") {
		t.Errorf("mafia reveal missing:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "TOWN WINS") {
		t.Errorf("town win not announced:\n%s", out.String())
	}
}

func TestKill_MafiaParityEndsRound(t *testing.T) {
	g, _, out := newGame(t)

	if err := g.Kill(4); err != nil {
		t.Fatal(err)
	}
	if err := g.Kill(3); err != nil {
		t.Fatal(err)
	}
	// One mafia, one town left.
	if !strings.Contains(out.String(), "MAFIA WINS") {
		t.Errorf("mafia win not announced:\n%s", out.String())
	}
}

func TestNightKill_ResolvedAtDawn(t *testing.T) {
	g, pub, _ := newGame(t)
	toNight(t, g)

	if err := g.Kill(4); err != nil {
		t.Fatal(err)
	}
	if g.Phase() != PhaseNightDoctor {
		t.Errorf("phase = %v, the kill should advance to the doctor", g.Phase())
	}
	if p, _ := g.Player(4); !p.Alive {
		t.Error("victim dead before the night resolved")
	}

	pub.cmds = nil
	if err := g.NextPhase(); err != nil { // doctor passes
		t.Fatal(err)
	}
	if err := g.Check(1); err != nil { // detective ends the night
		t.Fatal(err)
	}

	if p, _ := g.Player(4); p.Alive {
		t.Error("victim alive at dawn without a save")
	}
	var deathTap bool
	for _, cmd := range pub.cmds {
		if cmd == (protocol.Command{ID: 4, Taps: 1}) {
			deathTap = true
		}
	}
	if !deathTap {
		t.Errorf("no single death tap to the victim, cmds = %+v", pub.cmds)
	}
}

func TestNightKill_SavedByDoctor(t *testing.T) {
	g, pub, out := newGame(t)
	toNight(t, g)

	if err := g.Kill(4); err != nil {
		t.Fatal(err)
	}
	if err := g.Save(4); err != nil {
		t.Fatal(err)
	}
	pub.cmds = nil
	if err := g.Check(1); err != nil {
		t.Fatal(err)
	}

	if p, _ := g.Player(4); !p.Alive {
		t.Error("saved player died anyway")
	}
	if !strings.Contains(out.String(), "saved by the doctor") {
		t.Errorf("save not announced:\n%s", out.String())
	}
	for _, cmd := range pub.cmds {
		if cmd.Taps == 1 {
			t.Errorf("death tap sent despite the save: %+v", cmd)
		}
	}
}

func TestSave_OnlyDuringDoctorTurn(t *testing.T) {
	g, _, out := newGame(t)

	if err := g.Save(4); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "doctor's turn") {
		t.Errorf("daytime save not rejected:\n%s", out.String())
	}
	if g.Phase() != PhaseDay {
		t.Errorf("phase = %v, a rejected save must not advance", g.Phase())
	}
}

func TestCheck_OnlyDuringDetectiveTurn(t *testing.T) {
	g, _, out := newGame(t)

	if err := g.Check(1); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "detective's turn") {
		t.Errorf("daytime check not rejected:\n%s", out.String())
	}
}

func TestCheck_RevealsAllegiance(t *testing.T) {
	g, _, out := newGame(t)
	toNight(t, g)
	if err := g.NextPhase(); err != nil { // mafia passes
		t.Fatal(err)
	}
	if err := g.NextPhase(); err != nil { // doctor passes
		t.Fatal(err)
	}

	if err := g.Check(1); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Player 1 is mafia") {
		t.Errorf("mafia not identified:\n%s", out.String())
	}
	if g.Phase() != PhaseDay {
		t.Errorf("phase = %v, the check should end the night", g.Phase())
	}
}

func TestKill_InvalidTargets(t *testing.T) {
	g, _, out := newGame(t)

	if err := g.Kill(9); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "not a valid target") {
		t.Errorf("out-of-range target not rejected:\n%s", out.String())
	}

	// A dead player can't be killed again.
	if err := g.Kill(4); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := g.Kill(4); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "not a valid target") {
		t.Errorf("dead target not rejected:\n%s", out.String())
	}
}

func TestDeadDoctorIsSkipped(t *testing.T) {
	g, _, out := newGame(t)

	if err := g.Kill(2); err != nil { // lynch the doctor
		t.Fatal(err)
	}
	toNight(t, g)
	if err := g.NextPhase(); err != nil { // mafia passes
		t.Fatal(err)
	}

	if g.Phase() != PhaseNightDetective {
		t.Errorf("phase = %v, want PhaseNightDetective after the skip", g.Phase())
	}
	if !strings.Contains(out.String(), "Doctor is dead") {
		t.Errorf("skip not announced:\n%s", out.String())
	}
}

func TestDeadDetectiveEndsNightEarly(t *testing.T) {
	g, _, _ := newGame(t)

	if err := g.Kill(3); err != nil { // lynch the detective
		t.Fatal(err)
	}
	toNight(t, g)
	if err := g.NextPhase(); err != nil { // mafia passes
		t.Fatal(err)
	}
	if err := g.NextPhase(); err != nil { // doctor passes, detective skipped
		t.Fatal(err)
	}

	if g.Phase() != PhaseDay {
		t.Errorf("phase = %v, want PhaseDay after the detective skip", g.Phase())
	}
}

func TestRepeat(t *testing.T) {
	g, pub, _ := newGame(t)

	pub.cmds = nil
	if err := g.Repeat(3); err != nil {
		t.Fatal(err)
	}
	if len(pub.cmds) != 1 || pub.cmds[0] != (protocol.Command{ID: 3, Taps: 4}) {
		t.Errorf("repeat cmds = %+v, want the detective announcement", pub.cmds)
	}

	pub.cmds = nil
	if err := g.Repeat(0); err != nil {
		t.Fatal(err)
	}
	if len(pub.cmds) != 4 {
		t.Errorf("repeat-all sent %d commands, want 4", len(pub.cmds))
	}
}

func TestRepeat_PublishErrorPropagates(t *testing.T) {
	g, pub, _ := newGame(t)

	pub.err = errors.New("broker gone")
	if err := g.Repeat(1); err == nil {
		t.Error("Repeat should surface the publish failure")
	}
}

func TestHandleCommand(t *testing.T) {
	tests := []struct {
		line     string
		wantCont bool
		wantOut  string
	}{
		{"quit", false, ""},
		{"", true, ""},
		{"next", true, "Night falls"},
		{"kill abc", true, "Usage: kill"},
		{"save", true, "Usage: save"},
		{"frobnicate", true, "Unknown command"},
		{"help", true, "Commands:"},
	}

	for _, tc := range tests {
		g, _, out := newGame(t)
		out.Reset()
		cont, err := g.HandleCommand(tc.line)
		if err != nil {
			t.Errorf("HandleCommand(%q) error: %v", tc.line, err)
			continue
		}
		if cont != tc.wantCont {
			t.Errorf("HandleCommand(%q) cont = %v, want %v", tc.line, cont, tc.wantCont)
		}
		if tc.wantOut != "" && !strings.Contains(out.String(), tc.wantOut) {
			t.Errorf("HandleCommand(%q) output %q missing %q", tc.line, out.String(), tc.wantOut)
		}
	}
}

func TestRun_DealsAndQuits(t *testing.T) {
	pub := &fakePub{}
	out := &bytes.Buffer{}
	g := New(Config{Shuffle: func([]Role) {}}, pub, out, slog.New(slog.NewTextHandler(io.Discard, nil)))

	in := strings.NewReader("next\nquit\n")
	if err := g.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "Game ended.") {
		t.Errorf("missing farewell:\n%s", out.String())
	}
	if len(pub.cmds) == 0 {
		t.Error("Run should have dealt the first round")
	}
}

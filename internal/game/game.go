// Package game is the game-master console for running a mafia round
// over the wristband channel.
//
// The console connects to the broker like any other publisher and
// drives the wristbands with tap commands: a role announcement when
// the round is dealt, wake and sleep cues as the night phases
// advance, and a single tap for a night kill. The operator narrates
// aloud and types short commands; the taps are the only signal the
// players get.
package game

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Role is a player's secret allegiance.
type Role string

const (
	RoleTownfolk  Role = "townfolk"
	RoleMafia     Role = "mafia"
	RoleDoctor    Role = "doctor"
	RoleDetective Role = "detective"
)

// Phase tracks whose turn the round is on. Night runs mafia, doctor,
// detective in that order before dawn resolves the staged kill.
type Phase int

const (
	PhaseDay Phase = iota
	PhaseNightMafia
	PhaseNightDoctor
	PhaseNightDetective
)

// Player pairs a wristband with its dealt role.
type Player struct {
	ID    int
	Role  Role
	Alive bool
}

// Config carries the console's fixed operating constants.
type Config struct {
	// Players is the number of wristbands in a round: one mafia, one
	// doctor, one detective, the rest townfolk. Values below 4 are
	// raised to 4.
	Players int
	// SendGap paces consecutive wristbands within a group cue.
	SendGap time.Duration
	// RoleGap paces the role announcement taps.
	RoleGap time.Duration
	// Shuffle permutes the role deck before dealing. Nil means a
	// random shuffle; tests inject a fixed order.
	Shuffle func([]Role)
	// Clock is the pacing time source. Nil means real time.
	Clock clockwork.Clock
}

// Game holds one round's state. Not safe for concurrent use; the
// console drives it from a single loop.
type Game struct {
	cfg    Config
	caster *caster
	out    io.Writer
	logger *slog.Logger

	players     []*Player
	phase       Phase
	pendingKill int // 0 when no night kill is staged
	pendingSave int
}

// New wires a Game. Console output goes to out; the round starts on
// the first [Game.Reset].
func New(cfg Config, pub Publisher, out io.Writer, logger *slog.Logger) *Game {
	if cfg.Players < 4 {
		cfg.Players = 4
	}
	if cfg.Shuffle == nil {
		cfg.Shuffle = func(roles []Role) {
			rand.Shuffle(len(roles), func(i, j int) { roles[i], roles[j] = roles[j], roles[i] })
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Game{
		cfg: cfg,
		caster: &caster{
			pub:     pub,
			out:     out,
			clock:   clock,
			sendGap: cfg.SendGap,
			roleGap: cfg.RoleGap,
		},
		out:    out,
		logger: logger,
	}
}

// Phase returns the current phase.
func (g *Game) Phase() Phase {
	return g.phase
}

// Player returns a copy of the player's state, or false for an
// unknown id.
func (g *Game) Player(id int) (Player, bool) {
	p := g.player(id)
	if p == nil {
		return Player{}, false
	}
	return *p, true
}

func (g *Game) player(id int) *Player {
	if id < 1 || id > len(g.players) {
		return nil
	}
	return g.players[id-1]
}

func (g *Game) alivePlayer(id int) *Player {
	p := g.player(id)
	if p == nil || !p.Alive {
		return nil
	}
	return p
}

func (g *Game) roleAlive(role Role) bool {
	for _, p := range g.players {
		if p.Alive && p.Role == role {
			return true
		}
	}
	return false
}

// Reset deals a fresh round: shuffled roles, everyone alive, day
// phase, then announces each player's role with taps.
func (g *Game) Reset() error {
	roles := make([]Role, g.cfg.Players)
	roles[0], roles[1], roles[2] = RoleMafia, RoleDoctor, RoleDetective
	for i := 3; i < len(roles); i++ {
		roles[i] = RoleTownfolk
	}
	g.cfg.Shuffle(roles)

	g.players = g.players[:0]
	for i, role := range roles {
		g.players = append(g.players, &Player{ID: i + 1, Role: role, Alive: true})
	}
	g.phase = PhaseDay
	g.pendingKill, g.pendingSave = 0, 0

	// The deal is printed for the game master only; players learn
	// their role from the tap count.
	for _, p := range g.players {
		fmt.Fprintf(g.out, "Wristband %d: %s\n", p.ID, strings.ToUpper(string(p.Role)))
	}

	fmt.Fprintln(g.out, "\nDistributing roles via taps...")
	if err := g.caster.distributeRoles(g.players); err != nil {
		return err
	}
	g.logger.Debug("round dealt", "players", len(g.players))
	fmt.Fprintln(g.out, "\nRoles dealt. Type 'next' to start the night.")
	return nil
}

// NextPhase advances the round: day into night, then through the
// night roles in order, resolving the night after the detective.
func (g *Game) NextPhase() error {
	switch g.phase {
	case PhaseDay:
		return g.startNight()
	case PhaseNightMafia:
		return g.wakeDoctor()
	case PhaseNightDoctor:
		return g.wakeDetective()
	case PhaseNightDetective:
		return g.endNight()
	}
	return nil
}

func (g *Game) startNight() error {
	g.pendingKill, g.pendingSave = 0, 0
	fmt.Fprintln(g.out, "\nNight falls. Everyone sleeps.")
	if err := g.caster.sendToAllAlive(g.players, 2); err != nil {
		return err
	}
	return g.wakeMafia()
}

func (g *Game) wakeMafia() error {
	g.phase = PhaseNightMafia
	fmt.Fprintln(g.out, "\nMafia wakes up. Use 'kill X' to pick a victim.")
	return g.caster.sendToRole(g.players, RoleMafia, 2)
}

func (g *Game) wakeDoctor() error {
	g.phase = PhaseNightDoctor
	if !g.roleAlive(RoleDoctor) {
		fmt.Fprintln(g.out, "Doctor is dead, skipping.")
		return g.wakeDetective()
	}
	fmt.Fprintln(g.out, "\nDoctor wakes up. Use 'save X' to protect someone, then 'next'.")
	return g.caster.sendToRole(g.players, RoleDoctor, 2)
}

func (g *Game) wakeDetective() error {
	g.phase = PhaseNightDetective
	if !g.roleAlive(RoleDetective) {
		fmt.Fprintln(g.out, "Detective is dead, skipping.")
		return g.endNight()
	}
	fmt.Fprintln(g.out, "\nDetective wakes up. Use 'check X' to investigate.")
	return g.caster.sendToRole(g.players, RoleDetective, 2)
}

// endNight resolves the staged kill against the doctor's save, wakes
// everyone for the day, and checks whether the round is over. The
// victim's single tap is the only public signal of the night's work.
func (g *Game) endNight() error {
	if g.pendingKill != 0 {
		victim := g.player(g.pendingKill)
		if victim != nil && victim.Alive {
			if g.pendingSave == g.pendingKill {
				fmt.Fprintf(g.out, "\nPlayer %d was saved by the doctor.\n", victim.ID)
			} else {
				victim.Alive = false
				fmt.Fprintf(g.out, "\nPlayer %d (%s) was killed in the night.\n", victim.ID, victim.Role)
				g.logger.Debug("night kill resolved", "victim", victim.ID, "role", victim.Role)
				if err := g.caster.send(victim.ID, 1); err != nil {
					return err
				}
			}
		}
	}
	g.pendingKill, g.pendingSave = 0, 0

	if err := g.wakeEveryone(); err != nil {
		return err
	}
	g.checkWin()
	return nil
}

func (g *Game) wakeEveryone() error {
	g.phase = PhaseDay
	fmt.Fprintln(g.out, "\nDaytime. Everyone wakes up.")
	return g.caster.sendToAllAlive(g.players, 2)
}

// Kill lynches the target immediately during the day, or stages the
// mafia's victim at night and moves on to the doctor.
func (g *Game) Kill(id int) error {
	target := g.alivePlayer(id)
	if target == nil {
		fmt.Fprintf(g.out, "Player %d is not a valid target.\n", id)
		return nil
	}

	switch g.phase {
	case PhaseDay:
		return g.lynch(target)
	case PhaseNightMafia:
		g.pendingKill = id
		fmt.Fprintf(g.out, "Mafia targets player %d.\n", id)
		// Sleep cue for the mafia before the doctor wakes.
		if err := g.caster.sendToRole(g.players, RoleMafia, 2); err != nil {
			return err
		}
		return g.NextPhase()
	default:
		fmt.Fprintln(g.out, "Kills only happen during the day or the mafia's turn.")
		return nil
	}
}

func (g *Game) lynch(target *Player) error {
	target.Alive = false
	fmt.Fprintf(g.out, "\nPlayer %d has been lynched.\n", target.ID)
	if target.Role == RoleMafia {
		fmt.Fprintln(g.out, "They were the mafia!")
	} else {
		fmt.Fprintf(g.out, "They were the %s.\n", target.Role)
	}
	g.checkWin()
	return nil
}

// Save stages the doctor's protection and advances to the detective.
func (g *Game) Save(id int) error {
	if g.phase != PhaseNightDoctor {
		fmt.Fprintln(g.out, "Saves only happen during the doctor's turn.")
		return nil
	}
	if g.alivePlayer(id) == nil {
		fmt.Fprintf(g.out, "Player %d is not a valid target.\n", id)
		return nil
	}

	g.pendingSave = id
	fmt.Fprintf(g.out, "Doctor will protect player %d.\n", id)
	if err := g.caster.sendToRole(g.players, RoleDoctor, 2); err != nil {
		return err
	}
	return g.NextPhase()
}

// Check tells the game master whether the target is mafia and ends
// the detective's turn.
func (g *Game) Check(id int) error {
	if g.phase != PhaseNightDetective {
		fmt.Fprintln(g.out, "Checks only happen during the detective's turn.")
		return nil
	}
	target := g.alivePlayer(id)
	if target == nil {
		fmt.Fprintf(g.out, "Player %d is not a valid target.\n", id)
		return nil
	}

	if target.Role == RoleMafia {
		fmt.Fprintf(g.out, "Player %d is mafia.\n", id)
	} else {
		fmt.Fprintf(g.out, "Player %d is not mafia (%s).\n", id, target.Role)
	}
	if err := g.caster.sendToRole(g.players, RoleDetective, 2); err != nil {
		return err
	}
	return g.NextPhase()
}

// Repeat re-announces roles with taps, to one wristband or to all of
// them when id is 0. Useful when a player lost count.
func (g *Game) Repeat(id int) error {
	if id == 0 {
		fmt.Fprintln(g.out, "Repeating roles to all players...")
		return g.caster.distributeRoles(g.players)
	}
	p := g.player(id)
	if p == nil {
		fmt.Fprintf(g.out, "Player %d not found.\n", id)
		return nil
	}
	fmt.Fprintf(g.out, "Repeating role to player %d...\n", id)
	return g.caster.send(p.ID, roleTaps[p.Role])
}

// checkWin announces the outcome when one side has won. The round
// keeps accepting commands afterwards; the game master decides when
// to 'reset'.
func (g *Game) checkWin() {
	var mafia, town int
	for _, p := range g.players {
		if !p.Alive {
			continue
		}
		if p.Role == RoleMafia {
			mafia++
		} else {
			town++
		}
	}

	switch {
	case mafia == 0:
		fmt.Fprintln(g.out, "\nTOWN WINS! All mafia have been eliminated.")
	case mafia >= town:
		fmt.Fprintln(g.out, "\nMAFIA WINS! They have taken over the town.")
	}
}

// HandleCommand runs one console command. It reports false when the
// operator asked to quit. Bad input gets a usage message, never an
// error; errors are reserved for channel failures.
func (g *Game) HandleCommand(line string) (bool, error) {
	parts := strings.Fields(strings.ToLower(line))
	if len(parts) == 0 {
		return true, nil
	}

	arg := func() (int, bool) {
		if len(parts) < 2 {
			return 0, false
		}
		n, err := strconv.Atoi(parts[1])
		return n, err == nil
	}

	switch parts[0] {
	case "quit":
		return false, nil
	case "next":
		return true, g.NextPhase()
	case "kill":
		if id, ok := arg(); ok {
			return true, g.Kill(id)
		}
		fmt.Fprintln(g.out, "Usage: kill <player>")
	case "save":
		if id, ok := arg(); ok {
			return true, g.Save(id)
		}
		fmt.Fprintln(g.out, "Usage: save <player>")
	case "check":
		if id, ok := arg(); ok {
			return true, g.Check(id)
		}
		fmt.Fprintln(g.out, "Usage: check <player>")
	case "repeat":
		if len(parts) == 1 {
			return true, g.Repeat(0)
		}
		if id, ok := arg(); ok {
			return true, g.Repeat(id)
		}
		fmt.Fprintln(g.out, "Usage: repeat [player]")
	case "reset":
		return true, g.Reset()
	case "help":
		g.printHelp()
	default:
		fmt.Fprintf(g.out, "Unknown command: %s. Type 'help' for commands.\n", parts[0])
	}
	return true, nil
}

func (g *Game) printHelp() {
	fmt.Fprintln(g.out, "Commands:")
	fmt.Fprintln(g.out, "  next             Advance to the next phase")
	fmt.Fprintln(g.out, "  kill <player>    Lynch (day) or stage the mafia kill (night)")
	fmt.Fprintln(g.out, "  save <player>    Doctor protects a player")
	fmt.Fprintln(g.out, "  check <player>   Detective investigates a player")
	fmt.Fprintln(g.out, "  repeat [player]  Re-announce roles with taps")
	fmt.Fprintln(g.out, "  reset            Deal a fresh round")
	fmt.Fprintln(g.out, "  quit             End the game")
}

// Run deals the first round and reads console commands from in until
// quit, EOF, or ctx cancellation.
func (g *Game) Run(ctx context.Context, in io.Reader) error {
	if err := g.Reset(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(g.out, "> ")
		if !scanner.Scan() || ctx.Err() != nil {
			break
		}
		cont, err := g.HandleCommand(scanner.Text())
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}

	fmt.Fprintln(g.out, "Game ended.")
	return scanner.Err()
}

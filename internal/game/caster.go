package game

import (
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wrenwood/tapband/internal/protocol"
)

// Publisher pushes one tap command onto the channel. The production
// implementation is [channel.Client]; tests use a double.
type Publisher interface {
	Publish(cmd protocol.Command) error
}

// roleTaps is the tap count that announces each role during
// distribution. Townfolk get one tap so every wristband fires at
// least once and nobody can tell who got a special role by silence.
var roleTaps = map[Role]int{
	RoleTownfolk:  1,
	RoleMafia:     2,
	RoleDoctor:    3,
	RoleDetective: 4,
}

// caster fans tap commands out to groups of wristbands, pacing
// consecutive sends so the solenoid sequences don't blur together on
// adjacent wrists.
type caster struct {
	pub     Publisher
	out     io.Writer
	clock   clockwork.Clock
	sendGap time.Duration
	roleGap time.Duration
}

func (c *caster) send(id, taps int) error {
	if err := c.pub.Publish(protocol.Command{ID: id, Taps: taps}); err != nil {
		return fmt.Errorf("send to wristband %d: %w", id, err)
	}
	fmt.Fprintf(c.out, "Sent %d tap(s) to wristband %d\n", taps, id)
	return nil
}

// sendToRole cues every living player holding role. Dead players stay
// silent so the table gets no hint from their wristbands.
func (c *caster) sendToRole(players []*Player, role Role, taps int) error {
	for _, p := range players {
		if p.Alive && p.Role == role {
			if err := c.send(p.ID, taps); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *caster) sendToAllAlive(players []*Player, taps int) error {
	for _, p := range players {
		if !p.Alive {
			continue
		}
		if err := c.send(p.ID, taps); err != nil {
			return err
		}
		c.pause(c.sendGap)
	}
	return nil
}

// distributeRoles announces each player's dealt role with its tap
// count, dead or alive, paced so players can count their taps apart.
func (c *caster) distributeRoles(players []*Player) error {
	for _, p := range players {
		if err := c.send(p.ID, roleTaps[p.Role]); err != nil {
			return err
		}
		c.pause(c.roleGap)
	}
	return nil
}

func (c *caster) pause(d time.Duration) {
	if d > 0 {
		c.clock.Sleep(d)
	}
}

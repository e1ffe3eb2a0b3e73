package command_test

import (
	"testing"

	"github.com/aoxd/aoxd/command"
	"github.com/aoxd/aoxd/wire"
	"github.com/stretchr/testify/require"
)

type fakeCmd struct {
	state      command.State
	group      command.Group
	suspendFor int
	executed   int
	line       string
}

func (c *fakeCmd) Parse(buf *wire.Buffer) error {
	line, ok, err := buf.RemoveLine(2048)
	if err != nil {
		return err
	}
	if !ok {
		return command.ErrNeedMore
	}
	c.line = string(line)
	return nil
}

func (c *fakeCmd) Execute() {
	c.executed++
	if c.executed > c.suspendFor {
		c.state = command.State(2) // Finished
	}
}

func (c *fakeCmd) State() command.State { return c.state }
func (c *fakeCmd) Group() command.Group { return c.group }

func TestEngine_ParsesAndExecutesInOrder(t *testing.T) {
	buf := wire.NewBuffer()
	require.NoError(t, buf.Append([]byte("A1 NOOP\r\n")))

	eng := command.New(buf, nil, nil)
	c := &fakeCmd{}
	eng.Push(c)

	eng.Resume()
	require.Equal(t, "A1 NOOP", c.line)
	require.Equal(t, command.State(2), c.state)
	require.Equal(t, 0, eng.Pending())
}

func TestEngine_SuspendedCommandBlocksLaterExclusive(t *testing.T) {
	buf := wire.NewBuffer()
	require.NoError(t, buf.Append([]byte("A1 X\r\nA2 Y\r\n")))

	eng := command.New(buf, nil, nil)
	c1 := &fakeCmd{suspendFor: 1}
	c2 := &fakeCmd{}
	eng.Push(c1)
	eng.Push(c2)

	eng.Resume()
	require.Equal(t, command.State(0), c1.state)
	require.Equal(t, command.State(0), c2.state, "c2 must not execute while c1 (exclusive) is still pending")

	eng.Resume()
	require.Equal(t, command.State(2), c1.state)
}

func TestEngine_BadCommandRendersAndDrops(t *testing.T) {
	buf := wire.NewBuffer()
	require.NoError(t, buf.Append([]byte("GARBAGE\r\n")))

	var emitted []byte
	eng := command.New(buf,
		func(reason string) []byte { return []byte("BAD " + reason) },
		func(b []byte) { emitted = b })

	eng.Push(&badParseCmd{})
	eng.Resume()

	require.Equal(t, "BAD unrecognized command", string(emitted))
	require.Equal(t, 0, eng.Pending())
}

type badParseCmd struct{ st command.State }

func (c *badParseCmd) Parse(buf *wire.Buffer) error {
	buf.RemoveLine(2048)
	return &command.BadCommand{Reason: "unrecognized command"}
}
func (c *badParseCmd) Execute()           {}
func (c *badParseCmd) State() command.State { return c.st }
func (c *badParseCmd) Group() command.Group { return command.Exclusive }

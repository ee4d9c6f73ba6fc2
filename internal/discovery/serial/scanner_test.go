package serial

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScanner(goos string, globbed, listed []string, openable map[string]bool) (*Scanner, *[]string) {
	var probed []string
	s := NewScanner(zap.NewNop())
	s.goos = goos
	s.glob = func(string) ([]string, error) { return globbed, nil }
	s.list = func() ([]string, error) { return listed, nil }
	s.probe = func(name string) error {
		probed = append(probed, name)
		if openable[name] {
			return nil
		}
		return errors.New("busy")
	}
	return s, &probed
}

func TestListPorts_Linux(t *testing.T) {
	t.Parallel()

	s, probed := newTestScanner("linux",
		[]string{"/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyUSB1"},
		[]string{"/dev/ttyUSB0", "/dev/ttyACM0"},
		map[string]bool{"/dev/ttyUSB0": true, "/dev/ttyACM0": true},
	)

	ports, err := s.ListPorts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyACM0"}, ports)
	assert.Equal(t, []string{"/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyACM0"}, *probed,
		"duplicates are probed once, in discovery order")
}

func TestListPorts_WindowsCandidates(t *testing.T) {
	t.Parallel()

	s, probed := newTestScanner("windows", nil, nil, map[string]bool{"COM3": true})

	ports, err := s.ListPorts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"COM3"}, ports)
	require.Len(t, *probed, 256)
	assert.Equal(t, "COM1", (*probed)[0])
	assert.Equal(t, "COM256", (*probed)[255])
}

func TestListPorts_DarwinPattern(t *testing.T) {
	t.Parallel()

	s, _ := newTestScanner("darwin", nil, nil, nil)
	var pattern string
	s.glob = func(p string) ([]string, error) {
		pattern = p
		return []string{"/dev/tty.usbserial-FT1"}, nil
	}
	s.probe = func(string) error { return nil }

	ports, err := s.ListPorts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/dev/tty.*", pattern)
	assert.Equal(t, []string{"/dev/tty.usbserial-FT1"}, ports)
}

func TestListPorts_UnsupportedPlatform(t *testing.T) {
	t.Parallel()

	s, _ := newTestScanner("plan9", nil, nil, nil)

	_, err := s.ListPorts(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported platform")
}

func TestListPorts_LibraryListingFailureIgnored(t *testing.T) {
	t.Parallel()

	s, _ := newTestScanner("linux", []string{"/dev/ttyUSB0"}, nil, map[string]bool{"/dev/ttyUSB0": true})
	s.list = func() ([]string, error) { return nil, errors.New("udev unavailable") }

	ports, err := s.ListPorts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyUSB0"}, ports)
}

func TestListPorts_Cancelled(t *testing.T) {
	t.Parallel()

	s, probed := newTestScanner("windows", nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ListPorts(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, *probed)
}

// Package cmdline builds a guest kernel command line.
package cmdline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/anmitsu/go-shlex"
)

// DefaultCapacity matches the x86 COMMAND_LINE_SIZE of recent kernels.
const DefaultCapacity = 2048

var (
	ErrCommandLineOverflow = errors.New("command line would exceed capacity")
	ErrInvalidASCII        = errors.New("command line contains non-printable or non-ascii characters")
	ErrHasSpace            = errors.New("command line key or value contains a space")
	ErrHasEquals           = errors.New("command line key contains an equals sign")
	ErrEmptyKey            = errors.New("command line key is empty")
	ErrInvalidCapacity     = errors.New("command line capacity must be positive")
	ErrMMIOSize            = errors.New("virtio mmio window size is zero")
)

// Cmdline accumulates space separated kernel parameters up to a fixed
// capacity, including the terminating NUL the kernel expects.
type Cmdline struct {
	line     strings.Builder
	capacity int
}

func New(capacity int) (*Cmdline, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Cmdline{capacity: capacity}, nil
}

// Insert appends key=value.
func (c *Cmdline) Insert(key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if strings.Contains(key, "=") {
		return fmt.Errorf("%w: %q", ErrHasEquals, key)
	}
	if err := validWord(key); err != nil {
		return err
	}
	if err := validWord(value); err != nil {
		return err
	}
	return c.push(key + "=" + value)
}

// InsertStr appends every word of s. Words are split with shell quoting rules
// so a quoted value keeps its spaces and is re-quoted for the kernel.
func (c *Cmdline) InsertStr(s string) error {
	words, err := shlex.Split(s, true)
	if err != nil {
		return fmt.Errorf("split %q: %w", s, err)
	}

	for _, w := range words {
		if err := validASCII(w); err != nil {
			return err
		}
		if strings.Contains(w, " ") {
			w = quote(w)
		}
		if err := c.push(w); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cmdline) String() string {
	return c.line.String()
}

func (c *Cmdline) Len() int {
	return c.line.Len()
}

func (c *Cmdline) push(word string) error {
	n := len(word)
	if c.line.Len() > 0 {
		n++
	}
	// One byte is reserved for the NUL terminator
	if c.line.Len()+n+1 > c.capacity {
		return fmt.Errorf("%w: %d bytes", ErrCommandLineOverflow, c.capacity)
	}
	if c.line.Len() > 0 {
		c.line.WriteByte(' ')
	}
	c.line.WriteString(word)
	return nil
}

// quote wraps the value half of key=value, or the whole word without a key.
func quote(w string) string {
	if k, v, ok := strings.Cut(w, "="); ok {
		return k + `="` + v + `"`
	}
	return `"` + w + `"`
}

func validWord(s string) error {
	if err := validASCII(s); err != nil {
		return err
	}
	if strings.Contains(s, " ") {
		return fmt.Errorf("%w: %q", ErrHasSpace, s)
	}
	return nil
}

func validASCII(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return fmt.Errorf("%w: %q", ErrInvalidASCII, s)
		}
	}
	return nil
}

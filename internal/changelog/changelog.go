// Package changelog formats and parses the texts stored in the changelog
// and manifest revlogs.
//
// A changeset text is
//
//	<manifest hex>\n<user>\n<unix time> <tz offset>\n<file>\n...\n\n<description>
//
// and a manifest text is a sorted list of "path\0<file node hex>\n" lines.
package changelog

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

var ErrMalformed = errors.New("changelog: malformed text")

// Changeset is the parsed content of one changelog revision.
type Changeset struct {
	Manifest revision.Node
	User     string
	Time     time.Time
	// Files lists the paths touched by the changeset, sorted.
	Files       []string
	Description string
}

// Format renders c. Files are sorted in the output.
func (c Changeset) Format() ([]byte, error) {
	if strings.ContainsAny(c.User, "\n") {
		return nil, fmt.Errorf("user %q contains a newline", c.User)
	}
	files := append([]string(nil), c.Files...)
	sort.Strings(files)
	var b bytes.Buffer
	b.WriteString(c.Manifest.String())
	b.WriteByte('\n')
	b.WriteString(c.User)
	b.WriteByte('\n')
	_, offset := c.Time.Zone()
	// the stored offset is seconds west of UTC
	fmt.Fprintf(&b, "%d %d\n", c.Time.Unix(), -offset)
	for _, f := range files {
		if f == "" || strings.ContainsAny(f, "\n") {
			return nil, fmt.Errorf("invalid file name %q", f)
		}
		b.WriteString(f)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(c.Description)
	return b.Bytes(), nil
}

// Parse decodes a changeset text.
func Parse(text []byte) (Changeset, error) {
	var c Changeset
	head, desc, ok := bytes.Cut(text, []byte("\n\n"))
	if !ok {
		return c, fmt.Errorf("%w: no description separator", ErrMalformed)
	}
	lines := strings.Split(string(head), "\n")
	if len(lines) < 3 {
		return c, fmt.Errorf("%w: %d header lines", ErrMalformed, len(lines))
	}
	m, err := revision.Parse(lines[0])
	if err != nil {
		return c, fmt.Errorf("%w: manifest: %v", ErrMalformed, err)
	}
	c.Manifest = m
	c.User = lines[1]

	when := strings.Fields(lines[2])
	if len(when) < 2 {
		return c, fmt.Errorf("%w: date %q", ErrMalformed, lines[2])
	}
	secs, err := strconv.ParseInt(when[0], 10, 64)
	if err != nil {
		return c, fmt.Errorf("%w: date %q", ErrMalformed, lines[2])
	}
	tz, err := strconv.Atoi(when[1])
	if err != nil {
		return c, fmt.Errorf("%w: timezone %q", ErrMalformed, lines[2])
	}
	c.Time = time.Unix(secs, 0).In(time.FixedZone("", -tz))
	c.Files = lines[3:]
	if len(c.Files) == 0 {
		c.Files = nil
	}
	c.Description = string(desc)
	return c, nil
}

// Manifest maps tracked paths to their file revision nodes.
type Manifest map[string]revision.Node

// Paths returns the tracked paths sorted.
func (m Manifest) Paths() []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m Manifest) Format() []byte {
	var b bytes.Buffer
	for _, p := range m.Paths() {
		b.WriteString(p)
		b.WriteByte(0)
		b.WriteString(m[p].String())
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func (m Manifest) Clone() Manifest {
	out := make(Manifest, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func ParseManifest(text []byte) (Manifest, error) {
	m := make(Manifest)
	for len(text) > 0 {
		line, rest, ok := bytes.Cut(text, []byte("\n"))
		if !ok {
			return nil, fmt.Errorf("%w: manifest line without newline", ErrMalformed)
		}
		text = rest
		path, hex, ok := bytes.Cut(line, []byte{0})
		if !ok {
			return nil, fmt.Errorf("%w: manifest line %q", ErrMalformed, line)
		}
		n, err := revision.Parse(string(hex))
		if err != nil {
			return nil, fmt.Errorf("%w: manifest node for %q: %v", ErrMalformed, path, err)
		}
		m[string(path)] = n
	}
	return m, nil
}

// Package catalog reads and writes the event catalog that seeds both the
// server and the oracle. The text format is a sequence of two-line records:
// a description line followed by a ticket count line.
package catalog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticketudp/internal/domain"
)

// Source supplies the initial event catalog.
type Source interface {
	Events(ctx context.Context) ([]domain.EventSpec, error)
}

// Parse reads two-line records until the input ends. A trailing
// description without a count line is ignored.
func Parse(r io.Reader) ([]domain.EventSpec, error) {
	scanner := bufio.NewScanner(r)
	var specs []domain.EventSpec
	for line := 1; ; line += 2 {
		if !scanner.Scan() {
			break
		}
		desc := strings.TrimSuffix(scanner.Text(), "\r")
		if !scanner.Scan() {
			break
		}
		countText := strings.TrimSpace(scanner.Text())
		count, err := strconv.ParseUint(countText, 10, 16)
		if err != nil {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "line %d: ticket count %q", line+1, countText)
		}
		if len(desc) > domain.MaxDescriptionSize {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "line %d: description is %d bytes, limit %d", line, len(desc), domain.MaxDescriptionSize)
		}
		specs = append(specs, domain.EventSpec{Description: desc, Tickets: uint16(count)})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read catalog")
	}
	return specs, nil
}

// Write renders specs in the two-line format.
func Write(w io.Writer, specs []domain.EventSpec) error {
	bw := bufio.NewWriter(w)
	for _, s := range specs {
		if strings.ContainsAny(s.Description, "\r\n") {
			return errors.Wrapf(domain.ErrInvalidInput, "description %q spans lines", s.Description)
		}
		if _, err := fmt.Fprintf(bw, "%s\n%d\n", s.Description, s.Tickets); err != nil {
			return errors.Wrap(err, "write catalog")
		}
	}
	return errors.Wrap(bw.Flush(), "flush catalog")
}

// WriteFile writes specs to path.
func WriteFile(path string, specs []domain.EventSpec) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create catalog")
	}
	if err := Write(f, specs); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "close catalog")
}

// File is a Source backed by a catalog file.
type File struct {
	Path string
}

func (f File) Events(ctx context.Context) ([]domain.EventSpec, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open catalog")
	}
	defer fh.Close()
	return Parse(fh)
}

// Static is a Source over an in-memory catalog.
type Static []domain.EventSpec

func (s Static) Events(ctx context.Context) ([]domain.EventSpec, error) {
	return append([]domain.EventSpec(nil), s...), nil
}

// Validate checks the invariants the oracle relies on: descriptions fit the
// wire format and are unique.
func Validate(specs []domain.EventSpec) error {
	seen := make(map[string]int, len(specs))
	for i, s := range specs {
		if len(s.Description) > domain.MaxDescriptionSize {
			return errors.Wrapf(domain.ErrInvalidInput, "event %d: description is %d bytes", i, len(s.Description))
		}
		if prev, ok := seen[s.Description]; ok {
			return errors.Wrapf(domain.ErrInvalidInput, "events %d and %d share description %q", prev, i, s.Description)
		}
		seen[s.Description] = i
	}
	return nil
}

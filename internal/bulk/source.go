package bulk

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

const utf8BOM = "\ufeff"

// scanAddresses streams the address column of a CSV file. If the first row
// has an "email" column that column is used and the row is skipped;
// otherwise the first column of every row is an address. Blank values are
// ignored. fn returning an error stops the scan with that error.
func scanAddresses(r io.Reader, fn func(addr string) error) error {
	br := bufio.NewReader(r)
	if bom, err := br.Peek(len(utf8BOM)); err == nil && string(bom) == utf8BOM {
		_, _ = br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	column := 0
	first := true
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
		}

		if first {
			first = false
			if idx := headerColumn(record); idx >= 0 {
				column = idx
				continue
			}
		}
		if column >= len(record) {
			continue
		}
		addr := strings.TrimSpace(record[column])
		if addr == "" {
			continue
		}
		if err := fn(addr); err != nil {
			return err
		}
	}
}

// countAddresses returns how many addresses scanAddresses would yield.
func countAddresses(r io.Reader) (int64, error) {
	var n int64
	err := scanAddresses(r, func(string) error {
		n++
		return nil
	})
	return n, err
}

func headerColumn(record []string) int {
	for i, field := range record {
		switch strings.ToLower(strings.TrimSpace(field)) {
		case "email", "e-mail", "email address", "email_address":
			return i
		}
	}
	return -1
}

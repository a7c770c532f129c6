package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// ReadEntries reads all entries from an audit log file.
func ReadEntries(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer func() { _ = file.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("failed to parse audit entry on line %d: %w", lineNum, err)
		}
		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return entries, nil
}

// Tail returns the last n entries (all of them if n <= 0).
func Tail(path string, n int) ([]Entry, error) {
	entries, err := ReadEntries(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// FilterByCaller keeps entries recorded for caller. An empty caller keeps all.
func FilterByCaller(entries []Entry, caller string) []Entry {
	if caller == "" {
		return entries
	}

	var filtered []Entry
	for _, e := range entries {
		if e.Caller == caller {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// FilterByCategory keeps entries tagged with any of the given categories.
func FilterByCategory(entries []Entry, categories ...Category) []Entry {
	if len(categories) == 0 {
		return entries
	}

	want := make(map[Category]bool, len(categories))
	for _, c := range categories {
		want[c] = true
	}

	var filtered []Entry
	for _, e := range entries {
		for _, c := range e.Categories {
			if want[c] {
				filtered = append(filtered, e)
				break
			}
		}
	}
	return filtered
}

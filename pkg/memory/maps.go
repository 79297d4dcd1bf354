// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package memory

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Path   string
}

// Contains reports whether addr falls inside the mapping.
func (m Mapping) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// Protection converts the rwxp permission column.
func (m Mapping) Protection() Protection {
	var p Protection
	if len(m.Perms) < 4 {
		return p
	}
	if m.Perms[0] == 'r' {
		p |= Read
	}
	if m.Perms[1] == 'w' {
		p |= Write
	}
	if m.Perms[2] == 'x' {
		p |= Execute
	}
	return p
}

// ReadMappings parses /proc/<pid>/maps.
func ReadMappings(pid int) ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMappings(f)
}

// ParseMappings parses the maps format. Malformed lines are skipped.
func ParseMappings(r io.Reader) ([]Mapping, error) {
	var mappings []Mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}

		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			continue
		}
		offset, _ := strconv.ParseUint(fields[2], 16, 64)

		m := Mapping{
			Start:  start,
			End:    end,
			Perms:  fields[1],
			Offset: offset,
		}
		if len(fields) >= 6 {
			m.Path = strings.Join(fields[5:], " ")
		}
		mappings = append(mappings, m)
	}
	return mappings, scanner.Err()
}

// FindMapping returns the mapping containing addr.
func FindMapping(mappings []Mapping, addr uint64) (Mapping, bool) {
	for _, m := range mappings {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Mapping{}, false
}

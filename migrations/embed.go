// Package migrations embeds the seeder database schema.
//
// Files follow the strict 001_name.(up|down).sql standard. Validate enforces the
// naming, up/down pairing and gap-free sequence rules before a migration runs, so
// a broken build fails at startup instead of half-way through a schema change.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

var (
	// ErrNoMigrations is returned when the filesystem holds no migration files.
	ErrNoMigrations = errors.New("no migration files found")

	// ErrInvalidFilename is returned for .sql files outside the naming standard.
	ErrInvalidFilename = errors.New("invalid migration filename")

	// ErrUnpairedMigration is returned when an up migration has no down (or vice versa).
	ErrUnpairedMigration = errors.New("unpaired migration")

	// ErrSequenceGap is returned when sequence numbers do not run 001, 002, ... without gaps.
	ErrSequenceGap = errors.New("gap in migration sequence")
)

// filenamePattern matches 001_migration_name.up.sql or 001_migration_name.down.sql.
var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Info describes a single migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// FS returns the embedded migration filesystem for golang-migrate's iofs source.
func FS() fs.FS {
	return embedded
}

// List returns the parsed migration files of fsys in lexicographic order.
// Non-.sql entries are ignored; .sql entries outside the naming standard are an error.
func List(fsys fs.FS) ([]Info, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	infos := make([]Info, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		info, err := parseFilename(entry.Name())
		if err != nil {
			return nil, err
		}

		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Filename < infos[j].Filename
	})

	return infos, nil
}

// Validate checks naming, pairing and sequence of the migrations in fsys.
func Validate(fsys fs.FS) error {
	infos, err := List(fsys)
	if err != nil {
		return err
	}

	if len(infos) == 0 {
		return ErrNoMigrations
	}

	directions := make(map[string]map[string]bool)
	sequences := make(map[int]bool)

	for _, info := range infos {
		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][info.Direction] = true
		sequences[info.Sequence] = true
	}

	for key, dirs := range directions {
		if !dirs["up"] {
			return fmt.Errorf("%w: missing up migration for %s", ErrUnpairedMigration, key)
		}

		if !dirs["down"] {
			return fmt.Errorf("%w: missing down migration for %s", ErrUnpairedMigration, key)
		}
	}

	for seq := 1; seq <= len(sequences); seq++ {
		if !sequences[seq] {
			return fmt.Errorf("%w: expected %03d", ErrSequenceGap, seq)
		}
	}

	return nil
}

// MaxVersion returns the highest sequence number in fsys, or 0 if none can be read.
func MaxVersion(fsys fs.FS) int {
	infos, err := List(fsys)
	if err != nil {
		return 0
	}

	highest := 0

	for _, info := range infos {
		if info.Sequence > highest {
			highest = info.Sequence
		}
	}

	return highest
}

func parseFilename(filename string) (Info, error) {
	matches := filenamePattern.FindStringSubmatch(filename)
	if len(matches) != 4 { //nolint:mnd // full match + three groups
		return Info{}, fmt.Errorf("%w: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			ErrInvalidFilename, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return Info{}, fmt.Errorf("%w: bad sequence in %s: %w", ErrInvalidFilename, filename, err)
	}

	return Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

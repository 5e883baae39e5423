package migrations

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsAreValid(t *testing.T) {
	require.NoError(t, Validate(FS()))

	infos, err := List(FS())
	require.NoError(t, err)
	require.Len(t, infos, 4)

	assert.Equal(t, "001_pipeline_tables.down.sql", infos[0].Filename)
	assert.Equal(t, "up", infos[1].Direction)
	assert.Equal(t, 2, MaxVersion(FS()))
}

func TestValidate(t *testing.T) {
	sql := &fstest.MapFile{Data: []byte("SELECT 1;")}

	tests := []struct {
		name    string
		files   fstest.MapFS
		wantErr error
	}{
		{
			name:    "empty filesystem",
			files:   fstest.MapFS{"README.md": {Data: []byte("docs")}},
			wantErr: ErrNoMigrations,
		},
		{
			name:    "bad filename",
			files:   fstest.MapFS{"1_init.up.sql": sql},
			wantErr: ErrInvalidFilename,
		},
		{
			name:    "orphaned up",
			files:   fstest.MapFS{"001_init.up.sql": sql},
			wantErr: ErrUnpairedMigration,
		},
		{
			name: "sequence gap",
			files: fstest.MapFS{
				"001_init.up.sql":   sql,
				"001_init.down.sql": sql,
				"003_more.up.sql":   sql,
				"003_more.down.sql": sql,
			},
			wantErr: ErrSequenceGap,
		},
		{
			name: "valid pair",
			files: fstest.MapFS{
				"001_init.up.sql":   sql,
				"001_init.down.sql": sql,
				"notes.txt":         {Data: []byte("ignored")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.files)
			if tt.wantErr == nil {
				assert.NoError(t, err)

				return
			}

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskUsageBytes(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "agentdb.sqlite")
	require.NoError(t, os.WriteFile(db, []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(db+"-wal", []byte("wal"), 0644))
	bleveDir := filepath.Join(dir, "indices", "experiences.bleve")
	require.NoError(t, os.MkdirAll(filepath.Join(bleveDir, "store"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(bleveDir, "index_meta.json"), []byte("ab"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(bleveDir, "store", "root.bolt"), []byte("c"), 0644))

	tests := []struct {
		name  string
		paths []string
		want  int64
	}{
		{"file", []string{db}, 5},
		{"nested dir", []string{bleveDir}, 3},
		{"store files, shm missing", []string{db, db + "-wal", db + "-shm"}, 8},
		{"everything", []string{db, db + "-wal", bleveDir}, 11},
		{"empty and repeated paths", []string{"", db, db, dir + "/./agentdb.sqlite"}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DiskUsageBytes(tt.paths...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpfed/internal/fault"
)

func TestNamespacedName(t *testing.T) {
	assert.Equal(t, "github.create_issue", NamespacedName("github", "create_issue"))
}

func TestParseNamespacedName(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		serverName   string
		originalName string
		wantErr      bool
	}{
		{"simple", "github.create_issue", "github", "create_issue", false},
		{"dotted tool name splits on first dot", "srv.a.b.c", "srv", "a.b.c", false},
		{"no dot", "create_issue", "", "", true},
		{"leading dot", ".tool", "", "", true},
		{"trailing dot", "srv.", "", "", true},
		{"empty", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, original, err := ParseNamespacedName(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, fault.KindValidation, fault.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.serverName, server)
			assert.Equal(t, tt.originalName, original)
		})
	}
}

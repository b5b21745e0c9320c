package mongo_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memorymongo "github.com/loomworks/loom/features/memory/mongo"
	"github.com/loomworks/loom/runtime/contract"
)

func TestNewValidatesOptions(t *testing.T) {
	_, err := memorymongo.New(memorymongo.Options{Database: "loom"})
	require.ErrorContains(t, err, "mongo client is required")
}

func TestRenderFormatsNotes(t *testing.T) {
	scope := contract.Scope{TenantID: "acme", WorkspaceID: "support"}
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	notes := []memorymongo.Note{
		{Scope: scope, WorkflowID: "wf-1", Source: "operator", Text: "prefer #oncall for pages", CreatedAt: at},
		{Scope: scope, WorkflowID: "wf-1", Text: "customer timezone is UTC+2", CreatedAt: at.Add(time.Minute)},
	}

	got := memorymongo.Render(notes)
	require.Equal(t, "- [operator] prefer #oncall for pages\n- customer timezone is UTC+2", got)
}

func TestRenderEmptyNotes(t *testing.T) {
	require.Equal(t, "", memorymongo.Render(nil))
}

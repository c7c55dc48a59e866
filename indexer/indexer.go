package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"collab-server/collab"
	"collab-server/core"

	"github.com/sirupsen/logrus"
)

// Provider hands out the indexer of a collab type and answers whether a
// workspace allows indexing at all.
type Provider struct {
	settings core.WorkspaceSettingsStore
	indexers map[collab.CollabType]core.Indexer
}

// NewProvider builds a provider. Without an index store no type is indexed;
// without a settings store every workspace may be indexed.
func NewProvider(settings core.WorkspaceSettingsStore, index core.IndexStore) *Provider {
	p := &Provider{
		settings: settings,
		indexers: make(map[collab.CollabType]core.Indexer),
	}
	if index != nil {
		p.indexers[collab.TypeDocument] = &DocumentIndexer{store: index}
	}
	return p
}

// IndexerFor returns nil when collabType is not indexed.
func (p *Provider) IndexerFor(collabType collab.CollabType) core.Indexer {
	if p == nil {
		return nil
	}
	return p.indexers[collabType]
}

func (p *Provider) CanIndexWorkspace(ctx context.Context, workspaceID string) (bool, error) {
	if p == nil || p.settings == nil {
		return true, nil
	}
	settings, err := p.settings.GetWorkspaceSettings(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, core.ErrRecordNotFound) {
			return true, nil
		}
		return false, err
	}
	return !settings.DisableIndexing, nil
}

// DocumentIndexer stores the text content of document collabs.
type DocumentIndexer struct {
	store core.IndexStore
}

func (d *DocumentIndexer) IndexCollab(ctx context.Context, workspaceID, objectID string, encoded *collab.EncodedCollab) error {
	c, err := collab.NewFromDocState(objectID, encoded.DocState)
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", objectID, err)
	}
	content := strings.Join(c.TextContent(), "\n")
	if err := d.store.UpsertCollabIndex(ctx, workspaceID, objectID, content); err != nil {
		return fmt.Errorf("failed to index %s: %w", objectID, err)
	}

	logrus.WithFields(logrus.Fields{
		"object_id":      objectID,
		"workspace_id":   workspaceID,
		"content_length": len(content),
	}).Debug("Collab indexed")
	return nil
}

package poller

import (
	"context"

	"github.com/synaura/studio-api/internal/client"
	"github.com/synaura/studio-api/internal/normalize"
)

// RecordFetcher is the provider surface the source needs.
type RecordFetcher interface {
	GetRecordInfo(ctx context.Context, taskID string) (*client.RecordInfo, error)
}

// ProviderSource adapts the provider client plus the normalizer into the
// StatusFetcher the loops consume, so format drift stays out of the loop
// logic.
type ProviderSource struct {
	provider RecordFetcher
	norm     *normalize.Normalizer
}

func NewProviderSource(provider RecordFetcher, norm *normalize.Normalizer) *ProviderSource {
	return &ProviderSource{provider: provider, norm: norm}
}

func (s *ProviderSource) Fetch(ctx context.Context, taskID string) (*Snapshot, error) {
	info, err := s.provider.GetRecordInfo(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Status: normalize.Status(info.Status),
		Tracks: s.norm.Tracks(info.Raw),
		Raw:    info.Raw,
	}, nil
}

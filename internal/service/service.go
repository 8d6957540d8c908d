package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"crater/internal/cache"
	"crater/internal/utils"
	"crater/pkg/archive"
	"crater/pkg/channel"
)

const channelListKey = "channels"

// ErrInvalidArgument marks client input the service refuses before it
// reaches the engine or storage.
var ErrInvalidArgument = errors.New("service: invalid argument")

// ChannelService fronts the engine for the API layer: it validates the
// path-derived names before they reach storage and caches the channel
// listing, which walks the storage root. Partition-level locking lives in
// the engine, not here.
type ChannelService struct {
	engine   *channel.Engine
	cache    cache.Cache
	cacheTTL time.Duration
}

func NewChannelService(engine *channel.Engine, c cache.Cache, cacheTTL time.Duration) *ChannelService {
	return &ChannelService{
		engine:   engine,
		cache:    c,
		cacheTTL: cacheTTL,
	}
}

func (s *ChannelService) CreateChannel(ctx context.Context, name, description string, private bool) (*channel.ChannelMeta, error) {
	if !utils.IsValidChannelName(name) {
		return nil, fmt.Errorf("%w: channel name %q", ErrInvalidArgument, name)
	}

	meta, err := s.engine.CreateChannel(ctx, name, description, private)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Delete(channelListKey)
	}
	return meta, nil
}

func (s *ChannelService) GetChannel(ctx context.Context, name string) (*channel.ChannelMeta, error) {
	if !utils.IsValidChannelName(name) {
		return nil, fmt.Errorf("%w: invalid channel name %q", channel.ErrNotFound, name)
	}
	return s.engine.GetChannel(ctx, name)
}

func (s *ChannelService) ListChannels(ctx context.Context) ([]*channel.ChannelMeta, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(channelListKey); ok {
			return cached.([]*channel.ChannelMeta), nil
		}
	}

	channels, err := s.engine.ListChannels(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(channelListKey, channels, s.cacheTTL)
	}
	return channels, nil
}

func (s *ChannelService) Ingest(ctx context.Context, channelName, platform string, raw []byte, uploader string) (*archive.Record, error) {
	if !utils.IsValidChannelName(channelName) {
		return nil, fmt.Errorf("%w: channel name %q", ErrInvalidArgument, channelName)
	}
	if platform != "" && !utils.IsValidSubdir(platform) {
		return nil, fmt.Errorf("%w: platform %q", ErrInvalidArgument, platform)
	}
	if _, err := s.engine.GetChannel(ctx, channelName); err != nil {
		return nil, err
	}
	return s.engine.Ingest(ctx, channelName, platform, raw, uploader)
}

func (s *ChannelService) CurrentIndex(ctx context.Context, channelName, platform string) (*channel.Doc, error) {
	if !utils.IsValidChannelName(channelName) || !utils.IsValidSubdir(platform) {
		return nil, fmt.Errorf("%w: %s/%s", channel.ErrNotFound, channelName, platform)
	}
	return s.engine.CurrentIndex(ctx, channelName, platform)
}

func (s *ChannelService) FetchArtifact(ctx context.Context, channelName, platform, filename string) (io.ReadCloser, error) {
	if !utils.IsValidChannelName(channelName) || !utils.IsValidSubdir(platform) || !utils.IsValidFilename(filename) {
		return nil, fmt.Errorf("%w: %s/%s/%s", channel.ErrNotFound, channelName, platform, filename)
	}
	return s.engine.FetchArtifact(ctx, channelName, platform, filename)
}

func (s *ChannelService) RemoveArtifact(ctx context.Context, channelName, platform, filename, remover string) error {
	if !utils.IsValidChannelName(channelName) || !utils.IsValidSubdir(platform) || !utils.IsValidFilename(filename) {
		return fmt.Errorf("%w: %s/%s/%s", channel.ErrNotFound, channelName, platform, filename)
	}
	return s.engine.RemoveArtifact(ctx, channelName, platform, filename, remover)
}

func (s *ChannelService) ListPackages(ctx context.Context, channelName string) ([]*archive.Record, error) {
	if !utils.IsValidChannelName(channelName) {
		return nil, fmt.Errorf("%w: invalid channel name %q", channel.ErrNotFound, channelName)
	}
	return s.engine.ListPackages(ctx, channelName)
}

func (s *ChannelService) Reload(ctx context.Context, channelName, platform string) error {
	if !utils.IsValidChannelName(channelName) || !utils.IsValidSubdir(platform) {
		return fmt.Errorf("%w: %s/%s", channel.ErrNotFound, channelName, platform)
	}
	return s.engine.Reload(ctx, channelName, platform)
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"regexp"
	"runtime"

	"github.com/valyala/fasthttp"

	"crater/internal/config"
	"crater/internal/log"
	"crater/internal/metrics"
	"crater/internal/middleware"
	"crater/internal/service"
	"crater/internal/types"
	"crater/internal/utils"
	"crater/pkg/archive"
	"crater/pkg/channel"
)

type API struct {
	channels *service.ChannelService
	config   *config.Config
}

func NewAPI(channels *service.ChannelService, config *config.Config) *API {
	return &API{
		channels: channels,
		config:   config,
	}
}

func SetupRouter(h *API) fasthttp.RequestHandler {
	patterns := map[string]*regexp.Regexp{
		"channel":  regexp.MustCompile(`^/channels/([^/]+)$`),
		"packages": regexp.MustCompile(`^/channels/([^/]+)/packages$`),
		"upload":   regexp.MustCompile(`^/channels/([^/]+)/upload$`),
		"reload":   regexp.MustCompile(`^/channels/([^/]+)/([^/]+)/reload$`),
		"repodata": regexp.MustCompile(`^/channels/([^/]+)/([^/]+)/repodata\.json$`),
		"artifact": regexp.MustCompile(`^/channels/([^/]+)/([^/]+)/([^/]+)$`),
	}

	route := func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		method := string(ctx.Method())

		switch {
		case method == "GET" && path == "/health":
			h.Health(ctx)
			return
		case method == "GET" && path == "/ready":
			h.Ready(ctx)
			return
		case method == "GET" && path == "/metrics":
			h.Metrics(ctx)
			return
		case method == "GET" && path == "/channels":
			h.ListChannels(ctx)
			return
		case method == "POST" && path == "/channels":
			h.CreateChannel(ctx)
			return
		}

		if m := patterns["packages"].FindStringSubmatch(path); m != nil && method == "GET" {
			h.ListPackages(ctx, m[1])
			return
		}
		if m := patterns["upload"].FindStringSubmatch(path); m != nil && method == "POST" {
			h.Upload(ctx, m[1])
			return
		}
		if m := patterns["reload"].FindStringSubmatch(path); m != nil && method == "POST" {
			h.Reload(ctx, m[1], m[2])
			return
		}
		if m := patterns["repodata"].FindStringSubmatch(path); m != nil && method == "GET" {
			h.ServeRepodata(ctx, m[1], m[2])
			return
		}
		if m := patterns["artifact"].FindStringSubmatch(path); m != nil {
			switch method {
			case "GET":
				h.FetchArtifact(ctx, m[1], m[2], m[3])
				return
			case "DELETE":
				h.RemoveArtifact(ctx, m[1], m[2], m[3])
				return
			}
		}
		if m := patterns["channel"].FindStringSubmatch(path); m != nil && method == "GET" {
			h.GetChannel(ctx, m[1])
			return
		}

		ctx.Error("Not Found", fasthttp.StatusNotFound)
	}

	return middleware.CORSMiddleware(
		middleware.LoggingMiddleware(
			middleware.MetricsMiddleware(
				middleware.AuthMiddleware(h.config)(route),
			),
		),
	)
}

func (h *API) Health(ctx *fasthttp.RequestCtx) {
	response := &types.Status{
		Status: "healthy",
		Server: "crater",
	}
	h.sendJSONResponse(ctx, response, fasthttp.StatusOK)
}

func (h *API) Ready(ctx *fasthttp.RequestCtx) {
	if _, err := h.channels.ListChannels(ctx); err != nil {
		ctx.Error("Service not ready", fasthttp.StatusServiceUnavailable)
		return
	}

	response := &types.ReadyCheck{
		Status: types.Status{Status: "ready"},
		Checks: types.Checks{Storage: "ok"},
	}
	h.sendJSONResponse(ctx, response, fasthttp.StatusOK)
}

func (h *API) Metrics(ctx *fasthttp.RequestCtx) {
	m := metrics.GetMetrics()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response := &types.Metrics{
		Requests: types.Requests{
			Total:     m.RequestCount,
			Ingests:   m.IngestCount,
			Downloads: m.DownloadCount,
			Removes:   m.RemoveCount,
			Errors:    m.ErrorCount,
			Active:    m.ActiveRequests,
		},
		Performance: types.Performance{
			ResponseTimeMs: m.ResponseTime,
			Goroutines:     runtime.NumGoroutine(),
		},
		Memory: types.Memory{
			AllocMB:      memStats.Alloc / 1024 / 1024,
			TotalAllocMB: memStats.TotalAlloc / 1024 / 1024,
			SysMB:        memStats.Sys / 1024 / 1024,
			GCCycles:     memStats.NumGC,
		},
	}
	h.sendJSONResponse(ctx, response, fasthttp.StatusOK)
}

func (h *API) ListChannels(ctx *fasthttp.RequestCtx) {
	channels, err := h.channels.ListChannels(ctx)
	if err != nil {
		h.sendEngineError(ctx, err)
		return
	}

	infos := make([]types.ChannelInfo, 0, len(channels))
	for _, c := range channels {
		infos = append(infos, channelInfo(c))
	}

	h.sendJSONResponse(ctx, &types.ChannelMeta{
		Status:   types.Status{Server: "crater", Status: "success", Code: fasthttp.StatusOK},
		Channels: infos,
		Count:    len(infos),
	}, fasthttp.StatusOK)
}

func (h *API) CreateChannel(ctx *fasthttp.RequestCtx) {
	var req types.CreateChannelRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		h.sendJSONError(ctx, "Invalid request body", fasthttp.StatusBadRequest)
		return
	}

	meta, err := h.channels.CreateChannel(ctx, req.Name, req.Description, req.Private)
	if err != nil {
		h.sendEngineError(ctx, err)
		return
	}

	info := channelInfo(meta)
	h.sendJSONResponse(ctx, &types.ChannelDetail{
		Status:  types.Status{Status: "success", Message: "Channel created"},
		Channel: info,
	}, fasthttp.StatusCreated)
}

func (h *API) GetChannel(ctx *fasthttp.RequestCtx, name string) {
	meta, err := h.channels.GetChannel(ctx, name)
	if err != nil {
		h.sendEngineError(ctx, err)
		return
	}

	h.sendJSONResponse(ctx, &types.ChannelDetail{
		Status:  types.Status{Status: "success"},
		Channel: channelInfo(meta),
	}, fasthttp.StatusOK)
}

func (h *API) ListPackages(ctx *fasthttp.RequestCtx, channelName string) {
	records, err := h.channels.ListPackages(ctx, channelName)
	if err != nil {
		h.sendEngineError(ctx, err)
		return
	}

	packages := make([]types.PackageInfo, 0, len(records))
	var totalSize int64
	for _, rec := range records {
		packages = append(packages, types.PackageInfo{
			Filename:    rec.Filename,
			Name:        rec.Name,
			Version:     rec.Version,
			Build:       rec.Build,
			BuildNumber: rec.BuildNumber,
			Subdir:      rec.Subdir,
			Size:        rec.Size,
			SHA256:      rec.SHA256,
		})
		totalSize += rec.Size
	}

	h.sendJSONResponse(ctx, &types.PackageList{
		Status:    types.Status{Status: "success"},
		Channel:   channelName,
		Packages:  packages,
		Count:     len(packages),
		TotalSize: totalSize,
	}, fasthttp.StatusOK)
}

// Upload ingests one or more package files from a multipart form. Each
// file succeeds or fails on its own; the response carries per-file
// results the way batch uploads report them.
func (h *API) Upload(ctx *fasthttp.RequestCtx, channelName string) {
	form, err := ctx.MultipartForm()
	if err != nil {
		h.sendJSONError(ctx, "Invalid multipart form", fasthttp.StatusBadRequest)
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		h.sendJSONError(ctx, "No files in upload", fasthttp.StatusBadRequest)
		return
	}

	platform := string(ctx.QueryArgs().Peek("platform"))
	uploader := identity(ctx)

	response := &types.UploadResponse{
		Channel: channelName,
		Total:   len(files),
		Results: make([]types.UploadResult, 0, len(files)),
	}

	for _, fh := range files {
		if h.config.Limits.MaxFileSize > 0 && fh.Size > h.config.Limits.MaxFileSize {
			response.Failed++
			response.Results = append(response.Results, types.UploadResult{
				Filename: fh.Filename,
				Status:   "error",
				Error:    "file exceeds size limit",
			})
			continue
		}

		raw, err := readMultipartFile(fh)
		if err != nil {
			response.Failed++
			response.Results = append(response.Results, types.UploadResult{
				Filename: fh.Filename,
				Status:   "error",
				Error:    err.Error(),
			})
			continue
		}

		rec, err := h.channels.Ingest(ctx, channelName, platform, raw, uploader)
		if err != nil {
			log.Logger.Debugf("ingest failed for %s in channel %s: %v", fh.Filename, channelName, err)
			response.Failed++
			response.Results = append(response.Results, types.UploadResult{
				Filename: fh.Filename,
				Status:   "error",
				Error:    err.Error(),
			})
			continue
		}

		response.Success++
		response.Results = append(response.Results, types.UploadResult{
			Filename: rec.Filename,
			Subdir:   rec.Subdir,
			SHA256:   rec.SHA256,
			Status:   "success",
		})
	}

	status := fasthttp.StatusCreated
	response.Status = types.Status{Status: "success"}
	if response.Failed > 0 {
		response.Status = types.Status{Status: "partial"}
		if response.Success == 0 {
			status = fasthttp.StatusBadRequest
			response.Status = types.Status{Status: "error"}
		}
	}
	h.sendJSONResponse(ctx, response, status)
}

func (h *API) ServeRepodata(ctx *fasthttp.RequestCtx, channelName, subdir string) {
	doc, err := h.channels.CurrentIndex(ctx, channelName, subdir)
	if err != nil {
		h.sendEngineError(ctx, err)
		return
	}

	data, err := doc.Marshal()
	if err != nil {
		h.sendJSONError(ctx, "Failed to serialize index", fasthttp.StatusInternalServerError)
		return
	}

	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "public, max-age=60")
	ctx.SetBody(data)
}

func (h *API) FetchArtifact(ctx *fasthttp.RequestCtx, channelName, subdir, filename string) {
	reader, err := h.channels.FetchArtifact(ctx, channelName, subdir, filename)
	if err != nil {
		h.sendEngineError(ctx, err)
		return
	}

	ctx.Response.Header.Set("Content-Type", utils.GetContentType(filename))
	ctx.Response.Header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	ctx.SetBodyStream(reader, -1)
}

func (h *API) RemoveArtifact(ctx *fasthttp.RequestCtx, channelName, subdir, filename string) {
	if err := h.channels.RemoveArtifact(ctx, channelName, subdir, filename, identity(ctx)); err != nil {
		h.sendEngineError(ctx, err)
		return
	}
	h.sendSuccess(ctx, "Artifact removed")
}

func (h *API) Reload(ctx *fasthttp.RequestCtx, channelName, subdir string) {
	if err := h.channels.Reload(ctx, channelName, subdir); err != nil {
		h.sendEngineError(ctx, err)
		return
	}
	h.sendSuccess(ctx, "Partition index reloaded")
}

func (h *API) sendJSONResponse(ctx *fasthttp.RequestCtx, data io.WriterTo, statusCode int) {
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.SetStatusCode(statusCode)

	if _, err := data.WriteTo(ctx); err != nil {
		log.Logger.Debugf("failed to encode JSON response: %v", err)
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"status":"error","message":"Internal server error"}`)
	}
}

func (h *API) sendJSONError(ctx *fasthttp.RequestCtx, message string, statusCode int) {
	response := types.Status{
		Status:  "error",
		Message: message,
		Code:    statusCode,
	}

	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.SetStatusCode(statusCode)

	if _, err := response.WriteTo(ctx); err != nil {
		log.Logger.Debugf("failed to encode JSON error response: %v", err)
		ctx.SetBodyString(fmt.Sprintf(`{"status":"error","message":"%s"}`, message))
	}
}

func (h *API) sendSuccess(ctx *fasthttp.RequestCtx, message string) {
	response := &types.Status{
		Status:  "success",
		Message: message,
		Code:    fasthttp.StatusOK,
	}
	h.sendJSONResponse(ctx, response, fasthttp.StatusOK)
}

// sendEngineError maps the engine error taxonomy onto HTTP statuses.
func (h *API) sendEngineError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, channel.ErrNotFound):
		h.sendJSONError(ctx, err.Error(), fasthttp.StatusNotFound)
	case errors.Is(err, channel.ErrHashConflict),
		errors.Is(err, channel.ErrFilenameConflict),
		errors.Is(err, channel.ErrChannelExists):
		h.sendJSONError(ctx, err.Error(), fasthttp.StatusConflict)
	case errors.Is(err, archive.ErrMalformedArchive),
		errors.Is(err, archive.ErrMissingMetadata),
		errors.Is(err, archive.ErrSizeMismatch),
		errors.Is(err, archive.ErrUnsupportedFormat),
		errors.Is(err, channel.ErrSubdirMismatch),
		errors.Is(err, service.ErrInvalidArgument):
		h.sendJSONError(ctx, err.Error(), fasthttp.StatusBadRequest)
	case errors.Is(err, channel.ErrRecoveryFailed):
		h.sendJSONError(ctx, err.Error(), fasthttp.StatusServiceUnavailable)
	default:
		log.Logger.Errorf("internal error: %v", err)
		h.sendJSONError(ctx, "Internal server error", fasthttp.StatusInternalServerError)
	}
}

func readMultipartFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func channelInfo(meta *channel.ChannelMeta) types.ChannelInfo {
	return types.ChannelInfo{
		Name:        meta.Name,
		Description: meta.Description,
		Private:     meta.Private,
		CreatedAt:   meta.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func identity(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue(middleware.IdentityKey).(string); ok && v != "" {
		return v
	}
	return "anonymous"
}

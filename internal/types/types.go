package types

import (
	"io"

	"crater/internal/utils"
)

//go:generate easyjson -all types.go
type Status struct {
	Server  string `json:"server,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

func (r *Status) WriteTo(w io.Writer) (int64, error) { return utils.WriteTo(r, w) }

//go:generate easyjson -all types.go
type ChannelInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Private     bool   `json:"private"`
	CreatedAt   string `json:"created_at"`
}

//go:generate easyjson -all types.go
type ChannelMeta struct {
	Status   `json:",inline"`
	Channels []ChannelInfo `json:"channels"`
	Count    int           `json:"count"`
}

func (r *ChannelMeta) WriteTo(w io.Writer) (int64, error) { return utils.WriteTo(r, w) }

//go:generate easyjson -all types.go
type ChannelDetail struct {
	Status  `json:",inline"`
	Channel ChannelInfo `json:"channel"`
}

func (r *ChannelDetail) WriteTo(w io.Writer) (int64, error) { return utils.WriteTo(r, w) }

//go:generate easyjson -all types.go
type CreateChannelRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Private     bool   `json:"private"`
}

//go:generate easyjson -all types.go
type PackageInfo struct {
	Filename    string `json:"filename"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Build       string `json:"build"`
	BuildNumber int    `json:"build_number"`
	Subdir      string `json:"subdir"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
}

//go:generate easyjson -all types.go
type PackageList struct {
	Status    `json:",inline"`
	Channel   string        `json:"channel"`
	Packages  []PackageInfo `json:"packages"`
	Count     int           `json:"count"`
	TotalSize int64         `json:"total_size"`
}

func (r *PackageList) WriteTo(w io.Writer) (int64, error) { return utils.WriteTo(r, w) }

//go:generate easyjson -all types.go
type UploadResult struct {
	Filename string `json:"filename"`
	Subdir   string `json:"subdir,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

//go:generate easyjson -all types.go
type UploadResponse struct {
	Status  `json:",inline"`
	Channel string         `json:"channel"`
	Total   int            `json:"total"`
	Success int            `json:"success"`
	Failed  int            `json:"failed"`
	Results []UploadResult `json:"results"`
}

func (r *UploadResponse) WriteTo(w io.Writer) (int64, error) { return utils.WriteTo(r, w) }

//go:generate easyjson -all types.go
type Metrics struct {
	Requests    Requests    `json:"requests"`
	Performance Performance `json:"performance"`
	Memory      Memory      `json:"memory"`
}

func (r *Metrics) WriteTo(w io.Writer) (int64, error) { return utils.WriteTo(r, w) }

//go:generate easyjson -all types.go
type Performance struct {
	ResponseTimeMs int64 `json:"response_time_ms"`
	Goroutines     int   `json:"goroutines"`
}

//go:generate easyjson -all types.go
type Requests struct {
	Total     int64 `json:"total"`
	Ingests   int64 `json:"ingests"`
	Downloads int64 `json:"downloads"`
	Removes   int64 `json:"removes"`
	Errors    int64 `json:"errors"`
	Active    int64 `json:"active"`
}

//go:generate easyjson -all types.go
type Memory struct {
	AllocMB      uint64 `json:"alloc_mb"`
	TotalAllocMB uint64 `json:"total_alloc_mb"`
	SysMB        uint64 `json:"sys_mb"`
	GCCycles     uint32 `json:"gc_cycles"`
}

//go:generate easyjson -all types.go
type ReadyCheck struct {
	Status Status `json:"status"`
	Checks Checks `json:"checks"`
}

func (r *ReadyCheck) WriteTo(w io.Writer) (int64, error) { return utils.WriteTo(r, w) }

//go:generate easyjson -all types.go
type Checks struct {
	Storage string `json:"storage"`
}

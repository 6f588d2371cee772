package slsk

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/soulseek-go/slsk/internal/conn"
)

// ClientOptions is the full client-options record spec §6
// "Configuration" describes. Construct one with DefaultClientOptions
// and adjust fields, or load a ClientOptionsPatch from YAML and Apply
// it; unknown keys in a loaded patch are rejected at decode time by
// config.go's strict YAML decoder, satisfying "unknown options must be
// rejected at construction."
type ClientOptions struct {
	EnableListener bool
	ListenPort     int

	EnableDistributedNetwork  bool
	AcceptDistributedChildren bool
	DistributedChildLimit     int

	MaximumUploadSpeed               rate.Limit
	MaximumDownloadSpeed             rate.Limit
	MaximumConcurrentUploads         int
	MaximumConcurrentDownloads       int
	MaximumConcurrentPeerConnections int

	DeduplicateSearchRequests bool

	AutoAcknowledgePrivateMessages       bool
	AutoAcknowledgePrivilegeNotifications bool
	AcceptPrivateRoomInvitations         bool

	StartingToken        uint32
	MinimumDiagnosticLevel logrus.Level
	MessageTimeout        time.Duration

	// Connection is the shared per-connection option record (spec §6
	// "readBufferSize, writeBufferSize, writeQueueSize, connectTimeout,
	// inactivityTimeout, keepAlive") reused directly from internal/conn
	// rather than duplicated here.
	Connection conn.Options
}

// DefaultClientOptions returns the record a freshly-constructed Client
// starts from before any patch is applied.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		EnableListener:                   true,
		ListenPort:                       2234,
		EnableDistributedNetwork:         true,
		AcceptDistributedChildren:        true,
		DistributedChildLimit:            10,
		MaximumUploadSpeed:               rate.Inf,
		MaximumDownloadSpeed:             rate.Inf,
		MaximumConcurrentUploads:         4,
		MaximumConcurrentDownloads:       4,
		MaximumConcurrentPeerConnections: 64,
		DeduplicateSearchRequests:        true,
		AutoAcknowledgePrivateMessages:   true,
		AutoAcknowledgePrivilegeNotifications: true,
		AcceptPrivateRoomInvitations:     false,
		StartingToken:                    1,
		MinimumDiagnosticLevel:           logrus.InfoLevel,
		MessageTimeout:                   30 * time.Second,
		Connection:                       conn.DefaultOptions,
	}
}

// ClientOptionsPatch mirrors ClientOptions with every field a pointer,
// so a caller (or a YAML file) can supply only the fields it wants to
// change; Apply leaves every nil field at its prior value (spec §6
// "Options are patchable at runtime by supplying a partial record").
type ClientOptionsPatch struct {
	EnableListener *bool   `yaml:"enableListener,omitempty"`
	ListenPort     *int    `yaml:"listenPort,omitempty"`

	EnableDistributedNetwork  *bool `yaml:"enableDistributedNetwork,omitempty"`
	AcceptDistributedChildren *bool `yaml:"acceptDistributedChildren,omitempty"`
	DistributedChildLimit     *int  `yaml:"distributedChildLimit,omitempty"`

	MaximumUploadSpeed               *float64 `yaml:"maximumUploadSpeed,omitempty"`
	MaximumDownloadSpeed             *float64 `yaml:"maximumDownloadSpeed,omitempty"`
	MaximumConcurrentUploads         *int     `yaml:"maximumConcurrentUploads,omitempty"`
	MaximumConcurrentDownloads       *int     `yaml:"maximumConcurrentDownloads,omitempty"`
	MaximumConcurrentPeerConnections *int     `yaml:"maximumConcurrentPeerConnections,omitempty"`

	DeduplicateSearchRequests *bool `yaml:"deduplicateSearchRequests,omitempty"`

	AutoAcknowledgePrivateMessages        *bool `yaml:"autoAcknowledgePrivateMessages,omitempty"`
	AutoAcknowledgePrivilegeNotifications *bool `yaml:"autoAcknowledgePrivilegeNotifications,omitempty"`
	AcceptPrivateRoomInvitations          *bool `yaml:"acceptPrivateRoomInvitations,omitempty"`

	StartingToken          *uint32 `yaml:"startingToken,omitempty"`
	MinimumDiagnosticLevel *string `yaml:"minimumDiagnosticLevel,omitempty"`
	MessageTimeout         *time.Duration `yaml:"messageTimeout,omitempty"`

	ReadBufferSize     *int           `yaml:"readBufferSize,omitempty"`
	WriteBufferSize    *int           `yaml:"writeBufferSize,omitempty"`
	WriteQueueSize     *int           `yaml:"writeQueueSize,omitempty"`
	ConnectTimeout     *time.Duration `yaml:"connectTimeout,omitempty"`
	InactivityTimeout  *time.Duration `yaml:"inactivityTimeout,omitempty"`
	KeepAlive          *bool          `yaml:"keepAlive,omitempty"`
}

// Apply returns base with every non-nil field of p overlaid onto it.
func (p ClientOptionsPatch) Apply(base ClientOptions) (ClientOptions, error) {
	if p.EnableListener != nil {
		base.EnableListener = *p.EnableListener
	}
	if p.ListenPort != nil {
		base.ListenPort = *p.ListenPort
	}
	if p.EnableDistributedNetwork != nil {
		base.EnableDistributedNetwork = *p.EnableDistributedNetwork
	}
	if p.AcceptDistributedChildren != nil {
		base.AcceptDistributedChildren = *p.AcceptDistributedChildren
	}
	if p.DistributedChildLimit != nil {
		base.DistributedChildLimit = *p.DistributedChildLimit
	}
	if p.MaximumUploadSpeed != nil {
		base.MaximumUploadSpeed = rate.Limit(*p.MaximumUploadSpeed)
	}
	if p.MaximumDownloadSpeed != nil {
		base.MaximumDownloadSpeed = rate.Limit(*p.MaximumDownloadSpeed)
	}
	if p.MaximumConcurrentUploads != nil {
		base.MaximumConcurrentUploads = *p.MaximumConcurrentUploads
	}
	if p.MaximumConcurrentDownloads != nil {
		base.MaximumConcurrentDownloads = *p.MaximumConcurrentDownloads
	}
	if p.MaximumConcurrentPeerConnections != nil {
		base.MaximumConcurrentPeerConnections = *p.MaximumConcurrentPeerConnections
	}
	if p.DeduplicateSearchRequests != nil {
		base.DeduplicateSearchRequests = *p.DeduplicateSearchRequests
	}
	if p.AutoAcknowledgePrivateMessages != nil {
		base.AutoAcknowledgePrivateMessages = *p.AutoAcknowledgePrivateMessages
	}
	if p.AutoAcknowledgePrivilegeNotifications != nil {
		base.AutoAcknowledgePrivilegeNotifications = *p.AutoAcknowledgePrivilegeNotifications
	}
	if p.AcceptPrivateRoomInvitations != nil {
		base.AcceptPrivateRoomInvitations = *p.AcceptPrivateRoomInvitations
	}
	if p.StartingToken != nil {
		base.StartingToken = *p.StartingToken
	}
	if p.MinimumDiagnosticLevel != nil {
		lvl, err := logrus.ParseLevel(*p.MinimumDiagnosticLevel)
		if err != nil {
			return base, fmt.Errorf("client options: minimumDiagnosticLevel: %w", err)
		}
		base.MinimumDiagnosticLevel = lvl
	}
	if p.MessageTimeout != nil {
		base.MessageTimeout = *p.MessageTimeout
	}
	if p.ReadBufferSize != nil {
		base.Connection.ReadBufferSize = *p.ReadBufferSize
	}
	if p.WriteBufferSize != nil {
		base.Connection.WriteBufferSize = *p.WriteBufferSize
	}
	if p.WriteQueueSize != nil {
		base.Connection.WriteQueueSize = *p.WriteQueueSize
	}
	if p.ConnectTimeout != nil {
		base.Connection.ConnectTimeout = *p.ConnectTimeout
	}
	if p.InactivityTimeout != nil {
		base.Connection.InactivityTimeout = *p.InactivityTimeout
	}
	if p.KeepAlive != nil {
		base.Connection.KeepAlive = *p.KeepAlive
	}
	return base, nil
}

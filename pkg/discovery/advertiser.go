// Package discovery makes the bridge findable on the LAN: an mDNS
// advertisement Cast senders browse for, and the DIAL device-description
// endpoint they probe afterwards. The protocol core never depends on this
// package; main wires it in when discovery is enabled.
package discovery

import (
	"fmt"
	"strings"

	mdns "github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// Cast senders browse this service to populate their device pickers.
const (
	castServiceType = "_googlecast._tcp"
	castDomain      = "local."
)

const defaultCastPort = 8009

// AdvertiserOptions configures the mDNS advertisement.
type AdvertiserOptions struct {
	// FriendlyName is the label shown in sender device pickers.
	FriendlyName string
	// DeviceID identifies this receiver instance; dashes are stripped for
	// the TXT id record.
	DeviceID string
	// Model is reported in the md record.
	Model string
	// Port is the advertised CastV2 port. Defaults to 8009.
	Port          int
	LoggerFactory logging.LoggerFactory
}

// Advertiser registers the receiver as a _googlecast._tcp service.
type Advertiser struct {
	opts AdvertiserOptions
	log  logging.LeveledLogger

	server *mdns.Server
}

func NewAdvertiser(opts AdvertiserOptions) *Advertiser {
	if opts.Port <= 0 {
		opts.Port = defaultCastPort
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Advertiser{
		opts: opts,
		log:  opts.LoggerFactory.NewLogger("discovery"),
	}
}

// Start publishes the advertisement on all multicast-capable interfaces.
func (a *Advertiser) Start() error {
	server, err := mdns.Register(a.opts.FriendlyName, castServiceType, castDomain, a.opts.Port, a.txtRecords(), nil)
	if err != nil {
		return fmt.Errorf("discovery: register mdns service: %w", err)
	}
	a.server = server
	a.log.Infof("advertising %q on %s port %d", a.opts.FriendlyName, castServiceType, a.opts.Port)
	return nil
}

// txtRecords builds the record set senders parse out of the browse reply.
// The values mimic a first-generation Chromecast running the idle screen.
func (a *Advertiser) txtRecords() []string {
	return []string{
		"id=" + strings.ReplaceAll(a.opts.DeviceID, "-", ""),
		"fn=" + a.opts.FriendlyName,
		"md=" + a.opts.Model,
		"ve=05",
		"ca=4101",
		"st=0",
		"nf=1",
		"rs=",
	}
}

// Close withdraws the advertisement.
func (a *Advertiser) Close() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

package discovery

import (
	"fmt"
	"net"
	"strings"

	"github.com/pion/logging"
	"github.com/valyala/fasthttp"
)

// deviceDescription is the UPnP document served at /ssdp/device-desc.xml.
// Senders read the friendly name and UDN out of it; everything else is the
// fixed skeleton they expect from a Cast device. Interpolations: URL base
// host, friendly name, model, device id.
const deviceDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion>
    <major>1</major>
    <minor>0</minor>
  </specVersion>
  <URLBase>http://%s</URLBase>
  <device>
    <deviceType>urn:dial-multiscreen-org:device:dial:1</deviceType>
    <friendlyName>%s</friendlyName>
    <manufacturer>Google Inc.</manufacturer>
    <modelName>%s</modelName>
    <UDN>uuid:%s</UDN>
    <serviceList>
      <service>
        <serviceType>urn:dial-multiscreen-org:service:dial:1</serviceType>
        <serviceId>urn:dial-multiscreen-org:serviceId:dial</serviceId>
        <controlURL>/ssdp/notfound</controlURL>
        <eventSubURL>/ssdp/notfound</eventSubURL>
        <SCPDURL>/ssdp/notfound</SCPDURL>
      </service>
    </serviceList>
  </device>
</root>
`

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// DialServerOptions configures the DIAL HTTP endpoint.
type DialServerOptions struct {
	// Addr is the listen address. Defaults to ":8008".
	Addr         string
	FriendlyName string
	DeviceID     string
	Model        string

	LoggerFactory logging.LoggerFactory
}

// DialServer answers the device-description probe senders issue after mDNS
// discovery. App launch is not supported here; senders drive the receiver
// over CastV2 instead.
type DialServer struct {
	opts DialServerOptions
	log  logging.LeveledLogger

	srv *fasthttp.Server
	ln  net.Listener
}

func NewDialServer(opts DialServerOptions) *DialServer {
	if opts.Addr == "" {
		opts.Addr = ":8008"
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	d := &DialServer{
		opts: opts,
		log:  opts.LoggerFactory.NewLogger("dial"),
	}
	d.srv = &fasthttp.Server{Handler: d.handle}
	return d
}

// Start binds the listener and serves in the background. A bind failure is
// returned synchronously.
func (d *DialServer) Start() error {
	ln, err := net.Listen("tcp", d.opts.Addr)
	if err != nil {
		return fmt.Errorf("discovery: bind DIAL listener: %w", err)
	}
	d.ln = ln
	d.log.Infof("dial listening on %s", ln.Addr())

	go func() {
		if err := d.srv.Serve(ln); err != nil {
			d.log.Debugf("dial server stopped: %v", err)
		}
	}()
	return nil
}

// Serve runs the server on a caller-provided listener, blocking until the
// listener closes.
func (d *DialServer) Serve(ln net.Listener) error {
	return d.srv.Serve(ln)
}

// Close shuts the server down and closes the listener.
func (d *DialServer) Close() error {
	return d.srv.Shutdown()
}

func (d *DialServer) handle(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	switch {
	case path == "/ssdp/device-desc.xml" && ctx.IsGet():
		d.serveDeviceDescription(ctx)
	case strings.HasPrefix(path, "/apps") && ctx.IsPost():
		// Launch requests are acknowledged and otherwise ignored; the
		// receiver app is always available over CastV2.
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (d *DialServer) serveDeviceDescription(ctx *fasthttp.RequestCtx) {
	host := string(ctx.Host())
	ctx.Response.Header.Set("Application-URL", "http://"+host+"/apps")
	ctx.SetContentType("application/xml")
	fmt.Fprintf(ctx, deviceDescription,
		host,
		xmlEscaper.Replace(d.opts.FriendlyName),
		xmlEscaper.Replace(d.opts.Model),
		d.opts.DeviceID,
	)
	d.log.Debugf("served device description to %s", ctx.RemoteAddr())
}

// Package mdns resolves a robot on the local network so the bridge can dial
// it directly instead of going through its cloud hostname.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/biotinker/viam-homeassistant/internal/infrastructure/logging"
	"github.com/biotinker/viam-homeassistant/internal/robot"
)

// Defaults for browsing.
const (
	DefaultService = "_rpc._tcp"
	DefaultDomain  = "local."
	defaultTimeout = 3 * time.Second
)

// ErrNotFound is returned when no matching instance answered before the timeout.
var ErrNotFound = errors.New("mdns: robot not found on local network")

// Options configures a Resolver.
type Options struct {
	Service   string
	Domain    string
	Interface string
	Timeout   time.Duration
}

// Resolver browses mDNS for robot instances.
type Resolver struct {
	opts Options
}

// NewResolver creates a Resolver with defaults filled in.
func NewResolver(opts Options) *Resolver {
	if opts.Service == "" {
		opts.Service = DefaultService
	}
	if opts.Domain == "" {
		opts.Domain = DefaultDomain
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Resolver{opts: opts}
}

// Resolve returns host:port of the first instance whose name matches one of
// names, or ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, names ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		_ = zeroconf.Browse(ctx, r.opts.Service, r.opts.Domain, entries, removed, r.clientOptions()...) //nolint:errcheck // Browse errors surface as no results
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if entry == nil || !matches(entry, names) {
				continue
			}
			if addr := entryAddress(entry); addr != "" {
				return addr, nil
			}
		case <-removed:
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

// clientOptions restricts browsing to a configured interface.
func (r *Resolver) clientOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if r.opts.Interface != "" {
		if iface, err := net.InterfaceByName(r.opts.Interface); err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}
	return opts
}

// matches reports whether the instance or host name equals one of names,
// ignoring case and any trailing domain.
func matches(entry *zeroconf.ServiceEntry, names []string) bool {
	candidates := []string{entry.Instance, strings.TrimSuffix(entry.HostName, ".")}
	for _, c := range candidates {
		c = strings.ToLower(c)
		if c == "" {
			continue
		}
		for _, n := range names {
			n = strings.ToLower(n)
			if n == "" {
				continue
			}
			if c == n || strings.HasPrefix(c, n+".") {
				return true
			}
		}
	}
	return false
}

// entryAddress prefers IPv4, then IPv6, then the advertised host name.
func entryAddress(entry *zeroconf.ServiceEntry) string {
	port := strconv.Itoa(entry.Port)
	switch {
	case len(entry.AddrIPv4) > 0:
		return net.JoinHostPort(entry.AddrIPv4[0].String(), port)
	case len(entry.AddrIPv6) > 0:
		return net.JoinHostPort(entry.AddrIPv6[0].String(), port)
	case entry.HostName != "":
		return net.JoinHostPort(strings.TrimSuffix(entry.HostName, "."), port)
	}
	return ""
}

// resolver is the subset of Resolver used by Dialer.
type resolver interface {
	Resolve(ctx context.Context, names ...string) (string, error)
}

// Dialer tries the locally resolved address first and falls back to the
// configured endpoint.
type Dialer struct {
	next     robot.Dialer
	resolver resolver
	logger   *logging.Logger
}

var _ robot.Dialer = (*Dialer)(nil)

// NewDialer wraps next with local resolution. A nil logger discards output.
func NewDialer(next robot.Dialer, r *Resolver, logger *logging.Logger) *Dialer {
	if logger == nil {
		logger = logging.Nop()
	}
	if r == nil {
		r = NewResolver(Options{})
	}
	return &Dialer{next: next, resolver: r, logger: logger}
}

// Dial resolves endpoint's robot on the local network and dials it, falling
// back to endpoint itself when resolution or the local dial fails.
func (d *Dialer) Dial(ctx context.Context, endpoint string, creds robot.Credentials) (robot.Conn, error) {
	addr, err := d.resolver.Resolve(ctx, robot.RobotID(endpoint), robot.DisplayName(endpoint))
	if err != nil {
		d.logger.Debug("local robot resolution failed, using endpoint", "endpoint", endpoint, "error", err)
		return d.next.Dial(ctx, endpoint, creds)
	}

	conn, err := d.next.Dial(ctx, addr, creds)
	if err == nil {
		d.logger.Info("connected to robot over local network", "address", addr)
		return conn, nil
	}
	if errors.Is(err, robot.ErrAuthRejected) || ctx.Err() != nil {
		return nil, err
	}

	d.logger.Warn("local dial failed, using endpoint", "address", addr, "error", err)
	conn, fallbackErr := d.next.Dial(ctx, endpoint, creds)
	if fallbackErr != nil {
		return nil, fmt.Errorf("dialing %s after local %s failed: %w", endpoint, addr, fallbackErr)
	}
	return conn, nil
}

package commands

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/silicon-heaven/shvgo/internal/config"
	"github.com/silicon-heaven/shvgo/internal/logger"
	"github.com/silicon-heaven/shvgo/pkg/bufpool"
	"github.com/silicon-heaven/shvgo/pkg/framing"
	"github.com/silicon-heaven/shvgo/pkg/metrics"
	shvprom "github.com/silicon-heaven/shvgo/pkg/metrics/prometheus"
	"github.com/silicon-heaven/shvgo/pkg/rpcbroker"
	"github.com/silicon-heaven/shvgo/pkg/rpcclient"
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
	"github.com/silicon-heaven/shvgo/pkg/rpcri"
	"github.com/silicon-heaven/shvgo/pkg/shvurl"
)

// runServe is the root command's action: load config, bring up every
// listener and the metrics endpoint, and block until a shutdown signal
// drains all connections.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry(prometheus.NewRegistry())
	}
	brokerMetrics := shvprom.NewBrokerMetrics()

	login, err := buildLoginFunc(cfg)
	if err != nil {
		return fmt.Errorf("invalid role configuration: %w", err)
	}

	broker := rpcbroker.New(cfg.Name, login, brokerMetrics)
	pool := bufpool.NewPool(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	listeners := make([]net.Listener, 0, len(cfg.Listen))
	for _, raw := range cfg.Listen {
		u, err := shvurl.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid listen URL %q: %w", raw, err)
		}
		ln, err := listenURL(u)
		if err != nil {
			return fmt.Errorf("failed to listen on %q: %w", raw, err)
		}
		listeners = append(listeners, ln)
		logger.Info("listening", "url", raw)

		pooled := u.Protocol == shvurl.ProtocolTCP || u.Protocol == shvurl.ProtocolTCPS ||
			u.Protocol == shvurl.ProtocolSSL || u.Protocol == shvurl.ProtocolSSLS
		wg.Add(1)
		go func(ln net.Listener, pooled bool) {
			defer wg.Done()
			acceptLoop(ctx, ln, broker, cfg, pool, pooled, &wg)
		}(ln, pooled)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			logger.Info("metrics server listening", "port", cfg.Metrics.Port)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	<-sigCh
	logger.Info("shutdown signal received, closing listeners")
	signal.Stop(sigCh)

	for _, ln := range listeners {
		_ = ln.Close()
	}
	cancel()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		_ = metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("shutdown timeout elapsed with connections still draining")
	}
	return nil
}

// listenURL opens a net.Listener for u's scheme. Only tcp/tcps/ssl/ssls (as
// plain TCP; TLS termination for a broker listener is left to a reverse proxy,
// the way the teacher's own control-plane API server does it) and
// unix/unixs are supported: no serial-port or SocketCAN library is
// reachable from this build (see pkg/rpcclient/dial.go and DESIGN.md),
// so tty/can listen URLs are rejected the same way Dial rejects them as
// a client.
func listenURL(u *shvurl.URL) (net.Listener, error) {
	switch u.Protocol {
	case shvurl.ProtocolTCP, shvurl.ProtocolTCPS, shvurl.ProtocolSSL, shvurl.ProtocolSSLS:
		return net.Listen("tcp", net.JoinHostPort(u.Location, fmt.Sprintf("%d", u.Port)))
	case shvurl.ProtocolUnix, shvurl.ProtocolUnixS:
		_ = os.Remove(u.Location)
		return net.Listen("unix", u.Location)
	default:
		return nil, fmt.Errorf("listen: protocol %s has no server transport in this build", u.Protocol)
	}
}

// acceptLoop accepts connections from ln until ctx is cancelled or Accept
// fails (which happens once ln.Close() runs at shutdown), handing each
// one to the broker's login stages on its own goroutine. pooled selects
// block framing with a shared write-buffer pool (appropriate for a TCP
// listener serving many short-lived connections); non-pooled connections
// use serial framing, matching Dial's unix/unixs default.
func acceptLoop(ctx context.Context, ln net.Listener, broker *rpcbroker.Broker, cfg *config.Config, pool *bufpool.Pool, pooled bool, wg *sync.WaitGroup) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn("accept error", "error", err)
				return
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, conn, broker, cfg, pool, pooled)
		}()
	}
}

func serveConn(ctx context.Context, conn net.Conn, broker *rpcbroker.Broker, cfg *config.Config, pool *bufpool.Pool, pooled bool) {
	defer conn.Close()

	var framer framing.Framer
	if pooled {
		b := framing.NewBlockPooled(conn, pool)
		b.SetMaxMessageSize(cfg.MaxMessageSize.Uint64())
		framer = b
	} else {
		framer = framing.NewSerial(conn, false)
	}

	client := rpcclient.New(framer, conn, rpcclient.FormatChainPack, true)
	handler, cid := broker.LoginStages(client, rpcmsg.DefaultLimits())
	defer broker.Unregister(cid)

	if err := handler.Run(ctx); err != nil {
		logger.Debug("client disconnected", "cid", cid, "error", err)
	}
}

// buildLoginFunc turns the parsed Users/Roles/Autosetups configuration
// into a rpcbroker.LoginFunc: a device-id autosetup match takes priority
// (it needs no password), otherwise the username must name a configured
// user whose stored password (or SHA-1 digest) reproduces the
// challenge response the client sent for the connection's nonce.
func buildLoginFunc(cfg *config.Config) (rpcbroker.LoginFunc, error) {
	roles := make(map[string]*rpcbroker.Role, len(cfg.Roles))
	mountPointLimits := make(map[string][]string, len(cfg.Roles))
	for name, rc := range cfg.Roles {
		rules := make([]rpcbroker.AccessRule, 0)
		for levelName, ris := range rc.Access {
			level := rpcmsg.ParseAccessString(levelName)
			for _, ri := range ris {
				rules = append(rules, rpcbroker.AccessRule{RI: ri, Level: level})
			}
		}
		roles[name] = &rpcbroker.Role{
			Name:          name,
			Access:        rpcbroker.AccessFunc(rules),
			Subscriptions: append([]string(nil), rc.Subscriptions...),
		}
		mountPointLimits[name] = rc.MountPoints
	}
	for name := range cfg.Users {
		if cfg.Users[name].Role != "" {
			if _, ok := roles[cfg.Users[name].Role]; !ok {
				return nil, fmt.Errorf("user %q references unknown role %q", name, cfg.Users[name].Role)
			}
		}
	}
	for _, as := range cfg.Autosetups {
		if _, ok := roles[as.Role]; !ok {
			return nil, fmt.Errorf("autosetup for device %q references unknown role %q", as.DeviceID, as.Role)
		}
	}

	return func(login *rpcbroker.LoginInfo, nonce string) (*rpcbroker.Role, error) {
		for _, as := range cfg.Autosetups {
			if as.DeviceID != "" && as.DeviceID == login.DeviceID {
				r := *roles[as.Role]
				r.MountPoint = login.DeviceMountPoint
				if as.MountPoint != "" {
					r.MountPoint = as.MountPoint
				}
				if !mountPointAllowed(mountPointLimits[as.Role], r.MountPoint) {
					return nil, rpcmsg.NewError(rpcmsg.InvalidRequest, "mount point %q not permitted for role %q", r.MountPoint, as.Role)
				}
				if len(as.Subscriptions) > 0 {
					r.Subscriptions = as.Subscriptions
				}
				return &r, nil
			}
		}

		user, ok := cfg.Users[login.Username]
		if !ok {
			return nil, rpcmsg.NewError(rpcmsg.MethodCallException, "invalid login: unknown user %q", login.Username)
		}
		if !verifyLogin(user, login, nonce) {
			return nil, rpcmsg.NewError(rpcmsg.MethodCallException, "invalid login: wrong password for %q", login.Username)
		}
		role, ok := roles[user.Role]
		if !ok {
			return nil, rpcmsg.NewError(rpcmsg.InternalErr, "user %q references unknown role %q", login.Username, user.Role)
		}
		if !mountPointAllowed(mountPointLimits[user.Role], login.DeviceMountPoint) {
			return nil, rpcmsg.NewError(rpcmsg.InvalidRequest, "mount point %q not permitted for role %q", login.DeviceMountPoint, user.Role)
		}
		r := *role
		r.MountPoint = login.DeviceMountPoint
		return &r, nil
	}, nil
}

// mountPointAllowed reports whether mountPoint is acceptable under limits
// (a role's configured MountPoints patterns): no limits configured means
// any mount point is allowed, including none at all.
func mountPointAllowed(limits []string, mountPoint string) bool {
	if len(limits) == 0 {
		return true
	}
	if mountPoint == "" {
		return true
	}
	for _, pattern := range limits {
		if rpcri.MatchField(pattern, mountPoint) {
			return true
		}
	}
	return false
}

// verifyLogin reproduces the sha1hex(base + nonce) challenge the client
// was asked to answer (pkg/rpcclient/login.go's challengeResponse), base
// being the stored plaintext password's own SHA-1 digest, or the stored
// ShaPass digest directly, and compares it against what the client sent.
func verifyLogin(user config.UserConfig, login *rpcbroker.LoginInfo, nonce string) bool {
	var base string
	switch {
	case user.ShaPass != "":
		base = user.ShaPass
	case user.Password != "":
		base = sha1Hex(user.Password)
	default:
		return false
	}
	return login.PasswordResponse == sha1Hex(base+nonce)
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

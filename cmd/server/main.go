package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/joho/godotenv"
	"github.com/jrsteele09/mcp-auth-gateway/auth"
	"github.com/jrsteele09/mcp-auth-gateway/flow"
	"github.com/jrsteele09/mcp-auth-gateway/flow/redisrepo"
	"github.com/jrsteele09/mcp-auth-gateway/internal/config"
	"github.com/jrsteele09/mcp-auth-gateway/redirect"
	"github.com/jrsteele09/mcp-auth-gateway/server"
	"github.com/jrsteele09/mcp-auth-gateway/token"
	"github.com/jrsteele09/mcp-auth-gateway/token/redisstore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Error running server")
	}
	log.Info().Msg("Server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	// A missing .env is fine; the environment may already be populated
	_ = godotenv.Load()

	c := config.New()
	setupLogging(c)
	displayAppname(c.GetAppName())
	if err := config.Validate(c); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, repo, closeBackend, err := newBackend(ctx, c.GetStorage())
	if err != nil {
		return err
	}
	defer closeBackend()

	resolver, err := newResolver(ctx, c.GetUpstream())
	if err != nil {
		return err
	}

	upstream := c.GetUpstream()
	coordinator, err := flow.NewCoordinator(flow.Deps{
		Policy: redirect.NewPolicy(
			redirect.WithAllowedHosts(c.GetRedirectAllowedHosts()...),
			redirect.WithLoopback(c.GetAllowLoopbackRedirects()),
		),
		Repo:  repo,
		Store: store,
		Exchanger: flow.NewOAuth2Exchanger(
			oauth2Config(c),
			flow.WithTimeout(upstream.Timeout),
			flow.WithRetryBackoff(upstream.RetryBackoff),
		),
		Resolver: resolver,
	}, flow.Settings{
		SessionTTL:    c.GetSessionTokenTTL(),
		FlowTimeout:   c.GetFlowTimeout(),
		RequirePKCE:   c.GetRequirePKCE(),
		DefaultScopes: upstream.Scopes,
	})
	if err != nil {
		return err
	}

	s, err := server.New(c, server.Deps{
		Coordinator: coordinator,
		Store:       store,
		Auth:        auth.NewMiddleware(auth.NewStoreAuthenticator(store), c.GetAppName()),
	})
	if err != nil {
		return err
	}
	if target := c.GetProtocolUpstreamURL(); target != "" {
		proxy, err := server.NewProtocolProxy(target)
		if err != nil {
			return err
		}
		s.Protect(server.RouteProtocol, proxy)
		log.Info().Str("target", target).Msg("Protecting protocol server")
	}
	s.LogRoutes()

	httpServer := &http.Server{
		Addr:              c.GetPort(),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listenAndServe(httpServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(httpServer)
	})
	g.Go(func() error {
		return token.NewSweeper("session tokens", store, c.GetSweepInterval()).Run(gctx)
	})
	g.Go(func() error {
		return token.NewSweeper("authorization flows", repo, c.GetSweepInterval()).Run(gctx)
	})
	return g.Wait()
}

func setupLogging(c config.Config) {
	level, err := zerolog.ParseLevel(c.GetLogLevel())
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if c.GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func newBackend(ctx context.Context, settings config.StorageSettings) (token.Store, flow.Repo, func(), error) {
	if settings.Backend != config.StorageBackendRedis {
		log.Info().Msg("Using in-memory session storage")
		return token.NewMemoryStore(), flow.NewInMemoryRepo(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     settings.RedisAddr,
		Password: settings.RedisPassword,
		DB:       settings.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("[newBackend] redis %s unreachable: %w", settings.RedisAddr, err)
	}

	store, err := redisstore.New(redisstore.Config{Client: client, KeyPrefix: settings.KeyPrefix})
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	repo, err := redisrepo.New(redisrepo.Config{Client: client, KeyPrefix: settings.KeyPrefix})
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}

	log.Info().Str("addr", settings.RedisAddr).Int("db", settings.RedisDB).Msg("Using redis session storage")
	closeFn := func() {
		if err := store.Close(); err != nil {
			log.Err(err).Msg("Failed to close redis client")
		}
	}
	return store, repo, closeFn, nil
}

// newResolver verifies ID tokens when the upstream publishes OIDC discovery
// and falls back to its userinfo endpoint otherwise.
func newResolver(ctx context.Context, upstream config.UpstreamSettings) (flow.SubjectResolver, error) {
	if upstream.Issuer == "" {
		return flow.NewUserInfoResolver(upstream.UserInfoURL, &http.Client{Timeout: upstream.Timeout}, upstream.Timeout), nil
	}

	discoveryCtx, cancel := context.WithTimeout(ctx, upstream.Timeout)
	defer cancel()
	provider, err := oidc.NewProvider(discoveryCtx, upstream.Issuer)
	if err != nil {
		return nil, fmt.Errorf("[newResolver] oidc discovery for %s failed: %w", upstream.Issuer, err)
	}
	log.Info().Str("issuer", upstream.Issuer).Msg("Verifying upstream ID tokens")
	return flow.NewOIDCResolver(provider.Verifier(&oidc.Config{ClientID: upstream.ClientID})), nil
}

func oauth2Config(c config.Config) *oauth2.Config {
	upstream := c.GetUpstream()
	endpoint := oauth2.Endpoint{
		AuthURL:  upstream.AuthURL,
		TokenURL: upstream.TokenURL,
	}
	if upstream.ClientSecret == "" {
		// Public client: PKCE alone proves possession of the code
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     upstream.ClientID,
		ClientSecret: upstream.ClientSecret,
		RedirectURL:  c.GetBaseURL() + server.RouteToken,
		Scopes:       upstream.Scopes,
		Endpoint:     endpoint,
	}
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("Server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/roach88/blobcore/internal/blobstore"
	"github.com/roach88/blobcore/internal/config"
	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/router"
	"github.com/roach88/blobcore/internal/server"
	"github.com/roach88/blobcore/internal/service"
	"github.com/roach88/blobcore/internal/storagenode"
	"github.com/roach88/blobcore/internal/store"
	"github.com/roach88/blobcore/internal/transport"
	"github.com/roach88/blobcore/internal/ucan"
	"github.com/roach88/blobcore/internal/validator"
)

// shutdownTimeout bounds how long in-flight requests may take once the
// process is asked to stop.
const shutdownTimeout = 15 * time.Second

// daemon is an upload service or storage node ready to serve: its
// identity, state and HTTP routes.
type daemon struct {
	signer  *principal.Signer
	store   *store.Store
	blobs   *blobstore.Store
	node    *storagenode.Node
	server  *server.Server
	handler http.Handler
}

// Close waits for background transfers and closes the store.
func (d *daemon) Close() error {
	d.node.Wait()
	return d.store.Close()
}

// routes serves agent messages at / and blob bytes under /blob/.
func routes(srv *server.Server, blobs *blobstore.Store) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", transport.NewHandler(srv))
	mux.Handle("/blob/", blobs.Handler())
	return mux
}

func openStore(path string) (*store.Store, error) {
	return store.Open(path, store.WithEventSink(func(ev store.Event) {
		slog.Debug("ledger event", "seq", ev.Seq, "type", ev.Type, "can", ev.Can, "task", ev.Task)
	}))
}

func peerDID(s *config.Service) principal.DID {
	if s == nil {
		return ""
	}
	return principal.DID(s.DID)
}

// readProof reads a provider's delegation archive and checks that it
// decodes.
func readProof(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := ucan.ExtractDelegation(data); err != nil {
		return nil, fmt.Errorf("proof %s: %w", path, err)
	}
	return data, nil
}

// seedProviders writes the configured providers into the provider table.
// Peer services are added with no weight so invocations can reach them;
// an existing record for a peer is left alone.
func seedProviders(ctx context.Context, st *store.Store, cfg *config.Config) error {
	for _, p := range cfg.Providers {
		rec := store.ProviderRecord{DID: principal.DID(p.DID), Endpoint: p.Endpoint, Weight: p.Weight}
		if p.Proof != "" {
			proof, err := readProof(p.Proof)
			if err != nil {
				return err
			}
			rec.Proof = proof
		}
		if err := st.PutProvider(ctx, rec); err != nil {
			return err
		}
	}

	for _, peer := range []*config.Service{cfg.Indexer, cfg.Claims, cfg.UploadService} {
		if peer == nil {
			continue
		}
		did := principal.DID(peer.DID)
		_, err := st.Provider(ctx, did)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrProviderNotFound) {
			return err
		}
		if err := st.PutProvider(ctx, store.ProviderRecord{DID: did, Endpoint: peer.Endpoint}); err != nil {
			return err
		}
	}
	return nil
}

func newValidator(cfg *config.Config, signer *principal.Signer, st *store.Store) *validator.Validator {
	return validator.New(
		validator.WithResolver(cfg.Resolver(signer)),
		validator.WithRevocations(st),
	)
}

func serverOptions(signer *principal.Signer, v *validator.Validator, st *store.Store, handlers map[string]server.Handler) []server.Option {
	opts := []server.Option{
		server.WithHandlers(handlers),
		server.WithValidator(v),
		server.WithLedger(st),
	}
	if signer.DID() != signer.DIDKey() {
		opts = append(opts, server.WithAudience(signer.DIDKey()))
	}
	return opts
}

// serviceSettings are the upload service settings that have no place in
// the configuration file.
type serviceSettings struct {
	retryFailed bool
}

// newServiceDaemon assembles the upload service: its embedded storage
// node, replication orchestrator and conclude resolver behind one server.
func newServiceDaemon(ctx context.Context, cfg *config.Config, signer *principal.Signer, settings serviceSettings) (*daemon, error) {
	st, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := seedProviders(ctx, st, cfg); err != nil {
		_ = st.Close()
		return nil, err
	}

	blobs := blobstore.New(cfg.PublicURL, []byte(cfg.URLSecret))
	rt := router.New(signer, st, nil)

	nodeOpts := []storagenode.Option{
		storagenode.WithMaxUploadSize(cfg.MaxUploadSize),
		storagenode.WithUploadService(signer.DID()),
		storagenode.WithLedger(st),
	}
	if cfg.Indexer != nil {
		nodeOpts = append(nodeOpts, storagenode.WithIndexer(peerDID(cfg.Indexer)))
	}
	node := storagenode.New(signer, st, blobs, rt, nodeOpts...)

	v := newValidator(cfg, signer, st)
	svcOpts := []service.Option{
		service.WithValidator(v),
		service.WithMaxReplicas(cfg.MaxReplicas),
	}
	if cfg.Indexer != nil {
		svcOpts = append(svcOpts, service.WithIndexingService(peerDID(cfg.Indexer)))
	}
	if cfg.Claims != nil {
		svcOpts = append(svcOpts, service.WithClaimsService(peerDID(cfg.Claims)))
	}
	if settings.retryFailed {
		svcOpts = append(svcOpts, service.WithFailedReplicaRetry())
	}
	svc := service.New(signer, st, rt, blobs, node, svcOpts...)

	srv := server.New(signer, serverOptions(signer, v, st, svc.Handlers())...)
	rt.SetSelf(transport.NewChannel(srv))

	return &daemon{
		signer:  signer,
		store:   st,
		blobs:   blobs,
		node:    node,
		server:  srv,
		handler: routes(srv, blobs),
	}, nil
}

// newNodeDaemon assembles a storage node. Transfer receipts go to the
// configured upload service.
func newNodeDaemon(ctx context.Context, cfg *config.Config, signer *principal.Signer) (*daemon, error) {
	if cfg.UploadService == nil {
		return nil, fmt.Errorf("upload_service is required for a storage node")
	}
	st, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := seedProviders(ctx, st, cfg); err != nil {
		_ = st.Close()
		return nil, err
	}

	blobs := blobstore.New(cfg.PublicURL, []byte(cfg.URLSecret))
	rt := router.New(signer, st, nil)
	nodeOpts := []storagenode.Option{
		storagenode.WithMaxUploadSize(cfg.MaxUploadSize),
		storagenode.WithUploadService(peerDID(cfg.UploadService)),
		storagenode.WithLedger(st),
	}
	if cfg.Indexer != nil {
		nodeOpts = append(nodeOpts, storagenode.WithIndexer(peerDID(cfg.Indexer)))
	}
	node := storagenode.New(signer, st, blobs, rt, nodeOpts...)

	v := newValidator(cfg, signer, st)
	srv := server.New(signer, serverOptions(signer, v, st, node.Handlers())...)
	rt.SetSelf(transport.NewChannel(srv))

	return &daemon{
		signer:  signer,
		store:   st,
		blobs:   blobs,
		node:    node,
		server:  srv,
		handler: routes(srv, blobs),
	}, nil
}

// listenAndServe serves handler on addr until ctx is cancelled, then
// shuts down gracefully. ready, if not nil, receives the bound address.
func listenAndServe(ctx context.Context, addr string, handler http.Handler, ready chan<- net.Addr) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if ready != nil {
		ready <- listener.Addr()
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	slog.Info("http server listening", "address", listener.Addr().String())

	serveDone := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		slog.Info("http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	slog.Info("http server stopped")
	return nil
}

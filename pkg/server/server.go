// Package server implements the mutually-authenticated request handler:
// one ephemeral worker per accepted connection, reading exactly one
// framed request and writing exactly one framed reply before closing.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lattice-edge/fairshare/pkg/config"
	"github.com/lattice-edge/fairshare/pkg/events"
	"github.com/lattice-edge/fairshare/pkg/log"
	"github.com/lattice-edge/fairshare/pkg/metrics"
	"github.com/lattice-edge/fairshare/pkg/protocol"
	"github.com/lattice-edge/fairshare/pkg/security"
	"github.com/lattice-edge/fairshare/pkg/storage"
	"github.com/lattice-edge/fairshare/pkg/types"
)

// Server accepts mTLS connections and admits New Job and Terminate
// requests into the Store. It never dials out and never launches
// containers; dispatch and idle termination are the Scheduler's and
// Monitor's jobs.
type Server struct {
	cfg    *config.Config
	store  storage.Store
	events *events.Broker

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Server bound to store and configured from cfg.
func New(cfg *config.Config, store storage.Store) *Server {
	return &Server{cfg: cfg, store: store}
}

// SetEvents attaches a broker that admission outcomes are published to.
// Not setting one is fine; publishes become no-ops.
func (s *Server) SetEvents(b *events.Broker) {
	s.events = b
}

func (s *Server) publish(eventType events.EventType, jobID int64, message string) {
	if s.events == nil {
		return
	}
	s.events.Publish(&events.Event{
		Type:    eventType,
		Message: message,
		Metadata: map[string]string{
			"job_id": fmt.Sprintf("%d", jobID),
		},
	})
}

// Start accepts connections until ctx is cancelled or Stop is called.
// It blocks until the listener closes.
func (s *Server) Start(ctx context.Context) error {
	tlsCfg, err := security.ServerTLSConfig(s.cfg.CertDir)
	if err != nil {
		return fmt.Errorf("build server tls config: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	log.WithComponent("server").Info().Str("addr", addr).Msg("listening for client connections")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go s.handle(conn)
	}
}

// Stop closes the listener, unblocking Start's accept loop.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	connID := uuid.New().String()
	connLog := log.WithConnID(connID)
	timer := metrics.NewTimer()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		connLog.Error().Msg("accepted connection is not TLS")
		return
	}
	if err := tlsConn.Handshake(); err != nil {
		connLog.Warn().Err(err).Msg("tls handshake failed")
		return
	}

	clientName, err := peerCommonName(tlsConn)
	if err != nil {
		connLog.Warn().Err(err).Msg("no verified client certificate")
		return
	}
	connLog = connLog.With().Str("client_name", clientName).Logger()

	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		connLog.Warn().Err(err).Msg("failed to read request frame")
		return
	}

	request := s.route(conn, clientName, payload)
	connLog.Debug().Str("request", request).Msg("request handled")
	timer.ObserveDurationVec(metrics.RequestDuration, request)
	metrics.RequestsTotal.WithLabelValues(request, "handled").Inc()
}

func peerCommonName(conn *tls.Conn) (string, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("no peer certificate presented")
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	if cn == "" {
		return "", fmt.Errorf("peer certificate has no common name")
	}
	return cn, nil
}

// route dispatches a decoded request to the matching handler and
// writes exactly one framed reply. It returns a short label describing
// the request for metrics.
func (s *Server) route(conn net.Conn, clientName string, payload []byte) string {
	newJob, terminate, ok := protocol.ParseRequest(payload)
	if !ok {
		s.reply(conn, clientName, protocol.NewRefused("The request message was invalid"))
		return "invalid"
	}

	switch {
	case newJob != nil:
		s.handleNewJob(conn, clientName, newJob)
		return "new_job"
	case terminate != nil:
		s.handleTerminate(conn, clientName, terminate)
		return "terminate"
	default:
		s.reply(conn, clientName, protocol.NewRefused("The request message was invalid"))
		return "invalid"
	}
}

func (s *Server) handleNewJob(conn net.Conn, clientName string, req *protocol.NewJobRequest) {
	priority := types.Priority(req.Job.Priority)
	if !priority.Valid() {
		s.reply(conn, clientName, protocol.NewRefused("The request message was invalid"))
		return
	}

	clientIP := remoteHost(conn)
	job := &types.Job{
		ClientName:     clientName,
		ClientIP:       clientIP,
		ClientPort:     req.Job.CommsPort,
		Priority:       priority,
		SubmittedAt:    time.Now(),
		RequestedPorts: req.Job.Ports,
	}

	saved, err := s.store.EnqueueJob(job, s.cfg.MaxQueue)
	if err == storage.ErrQueueFull {
		s.publish(events.EventJobRefused, 0, "no space in job queue")
		s.reply(conn, clientName, protocol.NewRefused("No space in job queue"))
		return
	}
	if err != nil {
		log.WithClientName(clientName).Error().Err(err).Msg("failed to enqueue job")
		return
	}

	log.WithJobID(saved.ID).WithClientName(clientName).Info().Msg("admitted job")
	s.publish(events.EventJobQueued, saved.ID, "admitted to waiting queue")
	s.reply(conn, clientName, protocol.NewJobAccepted(saved.ID))
}

func (s *Server) handleTerminate(conn net.Conn, clientName string, req *protocol.TerminateRequest) {
	existed, err := s.store.RemoveWaiting(req.JobID)
	if err != nil {
		log.WithJobID(req.JobID).Error().Err(err).Msg("failed to check waiting queue")
		return
	}

	if existed {
		log.WithJobID(req.JobID).WithClientName(clientName).Info().Msg("terminated waiting job before dispatch")
		s.reply(conn, clientName, protocol.NewTerminatedWaiting(req.JobID))
		return
	}

	if err := s.store.EnqueueTermination(&types.TerminationRequest{
		JobID:  req.JobID,
		Reason: types.ReasonTerminationRequested,
	}); err != nil {
		log.WithJobID(req.JobID).Error().Err(err).Msg("failed to queue termination")
		return
	}

	s.reply(conn, clientName, protocol.TerminateAccepted(req.JobID))
}

func (s *Server) reply(conn net.Conn, clientName string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.WithClientName(clientName).Error().Err(err).Msg("failed to marshal reply")
		return
	}
	if err := protocol.WriteFrame(conn, data); err != nil {
		log.WithClientName(clientName).Warn().Err(err).Msg("failed to write reply frame")
	}
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

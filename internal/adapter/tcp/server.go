package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"

	"github.com/hemanshu03/livedict/pkg/livedict"
)

// Server is the binary TCP front-end on a gnet event engine. Every frame is
// one request; the response reuses the frame format with the opcode slot
// carrying a status code.
type Server struct {
	gnet.BuiltinEventEngine

	store   *livedict.Store
	backend livedict.Backend
	log     *zap.Logger
	addr    string
	eng     gnet.Engine

	connections   atomic.Int64
	totalRequests atomic.Uint64
	totalErrors   atomic.Uint64

	numEventLoop int
}

func NewServer(store *livedict.Store, backend livedict.Backend, log *zap.Logger) *Server {
	numLoops := runtime.NumCPU()
	if numLoops < 2 {
		numLoops = 2
	}
	if numLoops > 16 {
		numLoops = 16
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		store:        store,
		backend:      backend,
		log:          log,
		numEventLoop: numLoops,
	}
}

func (s *Server) ListenAndServe(addr string) error {
	s.addr = addr
	s.log.Info("starting tcp server",
		zap.String("addr", addr),
		zap.Int("event_loops", s.numEventLoop))

	return gnet.Run(s, "tcp://"+addr,
		gnet.WithMulticore(true),
		gnet.WithReusePort(true),
		gnet.WithTCPKeepAlive(time.Minute),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithNumEventLoop(s.numEventLoop),
	)
}

// Shutdown stops the event engine.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.eng.Stop(ctx)
}

func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.eng = eng
	s.log.Info("tcp server booted", zap.String("addr", s.addr))
	return gnet.None
}

func (s *Server) OnOpen(gnet.Conn) ([]byte, gnet.Action) {
	s.connections.Add(1)
	return nil, gnet.None
}

func (s *Server) OnClose(_ gnet.Conn, err error) gnet.Action {
	s.connections.Add(-1)
	if err != nil {
		s.totalErrors.Add(1)
	}
	return gnet.None
}

func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	buf, err := c.Peek(-1)
	if err != nil {
		s.totalErrors.Add(1)
		return gnet.Close
	}

	processed := 0
	for len(buf) >= HeaderSize {
		if buf[0] != MagicByte {
			s.sendError(c, StatusInvalidRequest, "invalid magic byte")
			return gnet.Close
		}

		opcode := buf[1]
		keyLen := binary.BigEndian.Uint16(buf[2:4])
		valLen := binary.BigEndian.Uint32(buf[4:8])
		if valLen > MaxValueSize {
			s.sendError(c, StatusInvalidRequest, "value too large")
			return gnet.Close
		}

		packetSize := HeaderSize + int(keyLen) + int(valLen)
		if len(buf) < packetSize {
			break
		}

		s.handlePacket(c, buf[:packetSize], opcode, keyLen, valLen)

		buf = buf[packetSize:]
		processed += packetSize
	}

	if processed > 0 {
		_, _ = c.Discard(processed)
	}
	return gnet.None
}

func (s *Server) handlePacket(c gnet.Conn, packet []byte, opcode uint8, keyLen uint16, valLen uint32) {
	s.totalRequests.Add(1)

	key := string(packet[HeaderSize : HeaderSize+int(keyLen)])
	var value []byte
	if valLen > 0 {
		value = make([]byte, valLen)
		copy(value, packet[HeaderSize+int(keyLen):])
	}

	switch opcode {
	case OpGet:
		s.handleGet(c, key)
	case OpSet:
		s.handleSet(c, key, value)
	case OpDel:
		s.handleDel(c, key)
	default:
		s.sendError(c, StatusInvalidRequest, "unknown command")
	}
}

func (s *Server) handleGet(c gnet.Conn, key string) {
	value, err := s.store.Get(key, s.callOpts()...)
	if errors.Is(err, livedict.ErrKeyNotFound) {
		s.sendResponse(c, StatusKeyNotFound, nil)
		return
	}
	if err != nil {
		s.sendError(c, StatusServerError, err.Error())
		return
	}
	s.sendResponse(c, StatusOK, value)
}

func (s *Server) handleSet(c gnet.Conn, key string, value []byte) {
	if key == "" {
		s.sendError(c, StatusInvalidRequest, "empty key")
		return
	}
	if err := s.store.Set(key, value, s.callOpts()...); err != nil {
		s.sendError(c, StatusServerError, err.Error())
		return
	}
	s.sendResponse(c, StatusOK, nil)
}

func (s *Server) handleDel(c gnet.Conn, key string) {
	if err := s.store.Delete(key, s.callOpts()...); err != nil {
		s.sendError(c, StatusServerError, err.Error())
		return
	}
	s.sendResponse(c, StatusOK, nil)
}

func (s *Server) callOpts() []livedict.CallOption {
	if s.backend == nil {
		return nil
	}
	return []livedict.CallOption{livedict.WithBackend(s.backend)}
}

func (s *Server) sendResponse(c gnet.Conn, status uint8, value []byte) {
	buf := make([]byte, HeaderSize+len(value))
	buf[0] = MagicByte
	buf[1] = status
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(value)))
	copy(buf[HeaderSize:], value)
	_ = c.AsyncWrite(buf, nil)
}

func (s *Server) sendError(c gnet.Conn, status uint8, message string) {
	s.totalErrors.Add(1)
	s.sendResponse(c, status, []byte(message))
}

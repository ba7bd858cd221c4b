package worldsrv

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/net/packet"
)

// SearchServer answers the search/AH port with the rotating-key framing.
// No search backend is attached; every decoded query is acknowledged with
// an empty result of the same type, which is enough to keep retail
// clients from erroring out of the search screens.
type SearchServer struct {
	bind string
	log  *zap.Logger
}

func NewSearchServer(bind string, log *zap.Logger) *SearchServer {
	return &SearchServer{bind: bind, log: log}
}

func (s *SearchServer) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.bind)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	s.log.Info("search port listening", zap.String("bind", s.bind))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serve(ctx, conn)
	}
}

func (s *SearchServer) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.log.With(zap.String("peer", conn.RemoteAddr().String()))
	codec := packet.NewSearchCodec()

	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		raw, err := packet.ReadRaw(conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !errors.Is(err, io.EOF) {
				log.Debug("search connection closed", zap.Error(err))
			}
			return
		}
		frame, err := codec.Decode(raw)
		if err != nil {
			log.Warn("undecodable search frame", zap.Error(err))
			return
		}
		log.Debug("search query", zap.Uint32("type", frame.Type), zap.Int("bytes", len(frame.Payload)))

		reply, err := codec.Encode(frame.Type, nil)
		if err != nil {
			log.Error("encode search reply", zap.Error(err))
			return
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	mllpMaxMessageSize = 1 << 20
	mllpReadTimeout    = 30 * time.Second
	mllpHandleTimeout  = 30 * time.Second
)

// Acknowledgment codes.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// MessageHandler processes one message and returns the acknowledgment to
// send back, or nil for none.
type MessageHandler func(ctx context.Context, msg *Message) *Message

// MLLPServer receives analyzer messages over MLLP/TCP.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	logger   zerolog.Logger
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewMLLPServer(addr string, handler MessageHandler, logger zerolog.Logger) *MLLPServer {
	return &MLLPServer{
		addr:    addr,
		handler: handler,
		logger:  logger.With().Str("component", "mllp").Logger(),
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins listening. The accept loop runs in the background.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("MLLP listener started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// handlers to return.
func (s *MLLPServer) Stop() error {
	close(s.done)

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Addr returns the bound address, useful when listening on port 0.
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *MLLPServer) handleConnection(conn net.Conn) {
	log := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(mllpReadTimeout))
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if len(buf) > mllpMaxMessageSize {
				log.Warn().Int("bytes", len(buf)).Msg("message exceeds max size, closing connection")
				return
			}
			for {
				msgBytes, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest
				s.processMessage(conn, msgBytes, log)
			}
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && len(buf) > 0 {
				continue
			}
			return
		}
	}
}

func (s *MLLPServer) processMessage(conn net.Conn, raw []byte, log zerolog.Logger) {
	var resp *Message
	msg, err := Parse(raw)
	if err != nil {
		log.Warn().Err(err).Msg("unparseable message rejected")
		resp = RejectUnparsed(raw, err.Error())
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), mllpHandleTimeout)
		resp = s.handler(ctx, msg)
		cancel()
	}
	if resp == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(FrameMessage(SerializeMessage(resp))); err != nil {
		log.Error().Err(err).Msg("write acknowledgment")
	}
}

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts the first complete MLLP frame from data and returns
// the bytes that follow it.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}
	endIdx := bytes.Index(data[startIdx+1:], []byte{MLLPEndBlock, MLLPCarriageReturn})
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx += startIdx + 1
	return data[startIdx+1 : endIdx], data[endIdx+2:], true
}

func field(v string) Field {
	return Field{Value: v, Components: strings.Split(v, "^")}
}

// GenerateACK builds the acknowledgment for incoming. text, when set, goes to
// MSA-3 so the analyzer operator sees why a message was not accepted.
func GenerateACK(incoming *Message, ackCode, text string) *Message {
	trigger := incoming.TriggerEvent()
	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := "ACK" + now.Format("20060102150405.000")

	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}
	msh := Segment{Name: "MSH", Fields: []Field{
		field("|"), {Value: "^~\\&", Components: []string{"^~\\&"}},
		field(ack.SendingApp), field(ack.SendingFac),
		field(ack.ReceivingApp), field(ack.ReceivingFac),
		field(timestamp), field(""), field(ack.Type),
		field(controlID), field("P"), field(incoming.Version),
	}}
	msa := Segment{Name: "MSA", Fields: []Field{field(ackCode), field(incoming.ControlID)}}
	if text != "" {
		msa.Fields = append(msa.Fields, field(escapeText(text)))
	}
	ack.Segments = []Segment{msh, msa}
	return ack
}

// RejectUnparsed builds an AR acknowledgment for bytes that did not parse,
// salvaging the control id when MSH is readable.
func RejectUnparsed(raw []byte, reason string) *Message {
	incoming := &Message{Type: "ACK", Version: "2.5.1"}
	line, _, _ := strings.Cut(strings.ReplaceAll(string(raw), "\n", "\r"), "\r")
	if strings.HasPrefix(line, "MSH|") {
		parts := strings.Split(line, "|")
		get := func(i int) string {
			if i < len(parts) {
				return parts[i]
			}
			return ""
		}
		incoming.SendingApp, incoming.SendingFac = get(2), get(3)
		incoming.ReceivingApp, incoming.ReceivingFac = get(4), get(5)
		incoming.Type, incoming.ControlID = get(8), get(9)
		if v := get(11); v != "" {
			incoming.Version = v
		}
	}
	return GenerateACK(incoming, AckReject, reason)
}

func escapeText(s string) string {
	r := strings.NewReplacer(`\`, `\E\`, "|", `\F\`, "^", `\S\`, "~", `\R\`, "&", `\T\`, "\r", " ", "\n", " ")
	return r.Replace(s)
}

// SerializeMessage renders msg with \r segment separators.
func SerializeMessage(msg *Message) []byte {
	segments := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg))
	}
	return []byte(strings.Join(segments, "\r"))
}

func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH|" + strings.Join(parts, "|")
	}
	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}

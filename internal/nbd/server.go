// Copyright (C) 2025 The kvbd authors

package nbd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	// Upper bound on a single command payload. Linux caps requests at 32
	// MiB, anything beyond that is a misbehaving client.
	maxRequestLength = 32 * 1024 * 1024
)

// Server accepts NBD connections and serves a single export backed by one
// Driver. Multiple connections are permitted, the driver advertises whether
// that is safe through FeatureMultiConn.
type Server struct {
	driver Driver

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	done  bool
}

// NewServer returns a server for the given driver.
func NewServer(driver Driver) *Server {
	return &Server{
		driver: driver,
		conns:  make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	return s.Serve(ln)
}

// Serve accepts connections on ln until the listener is closed. Every
// connection is handled by its own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		ln.Close()
		return errors.New("nbd: server already shut down")
	}
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			done := s.done
			s.mu.Unlock()
			if done {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go func() {
			err := s.handle(conn)
			if err != nil && !errors.Is(err, io.EOF) {
				log.Info().Err(err).Str("client", conn.RemoteAddr().String()).Msg("Connection finished with error")
			}

			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			conn.Close()
		}()
	}
}

// Shutdown closes the listener and all established connections. It does not
// touch the driver, releasing the device is the owner's business.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.done = true
	if s.ln != nil {
		s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
}

// handle runs the fixed newstyle negotiation and, if the client selects the
// export, the transmission phase.
func (s *Server) handle(conn net.Conn) error {
	clientFlags, err := s.negotiateHandshake(conn)
	if err != nil {
		return err
	}

	transmit, err := s.negotiateOptions(conn, clientFlags)
	if err != nil || !transmit {
		return err
	}

	return s.transmission(conn)
}

// negotiateHandshake sends the initial magic and handshake flags and reads
// the client flags back.
func (s *Server) negotiateHandshake(conn net.Conn) (uint32, error) {
	hello := struct {
		Magic    uint64
		OptMagic uint64
		Flags    uint16
	}{nbdMagic, optMagic, flagFixedNewstyle | flagNoZeroes}

	if err := binary.Write(conn, binary.BigEndian, &hello); err != nil {
		return 0, fmt.Errorf("handshake: %w", err)
	}

	var clientFlags uint32
	if err := binary.Read(conn, binary.BigEndian, &clientFlags); err != nil {
		return 0, fmt.Errorf("handshake: %w", err)
	}

	if clientFlags&uint32(flagFixedNewstyle) == 0 {
		return 0, errors.New("client does not speak fixed newstyle")
	}

	return clientFlags, nil
}

// negotiateOptions runs the option haggling loop. It returns true once the
// client entered the transmission phase.
func (s *Server) negotiateOptions(conn net.Conn, clientFlags uint32) (bool, error) {
	for {
		var opt optionHeader
		if err := binary.Read(conn, binary.BigEndian, &opt); err != nil {
			return false, fmt.Errorf("option header: %w", err)
		}
		if opt.Magic != optMagic {
			return false, fmt.Errorf("bad option magic %#x", opt.Magic)
		}
		if opt.Length > maxRequestLength {
			return false, fmt.Errorf("option payload of %d bytes", opt.Length)
		}

		payload := make([]byte, opt.Length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return false, fmt.Errorf("option payload: %w", err)
		}

		switch opt.ID {
		case optExportName:
			return true, s.replyExportName(conn, clientFlags, string(payload))

		case optGo, optInfo:
			entered, err := s.replyInfo(conn, opt.ID, payload)
			if entered || err != nil {
				return entered, err
			}

		case optList:
			if err := s.replyList(conn); err != nil {
				return false, err
			}

		case optAbort:
			s.replyOption(conn, opt.ID, repAck, nil)
			return false, nil

		default:
			if err := s.replyOption(conn, opt.ID, repErrUnsup, nil); err != nil {
				return false, err
			}
		}
	}
}

// replyOption sends one negotiation reply frame.
func (s *Server) replyOption(conn net.Conn, opt, typ uint32, payload []byte) error {
	head := optionReplyHeader{
		Magic:  optReplyMagic,
		ID:     opt,
		Type:   typ,
		Length: uint32(len(payload)),
	}

	if err := binary.Write(conn, binary.BigEndian, &head); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return err
		}
	}

	return nil
}

// replyExportName answers NBD_OPT_EXPORT_NAME. The option cannot report
// errors, an unknown name terminates the connection.
func (s *Server) replyExportName(conn net.Conn, clientFlags uint32, name string) error {
	if !s.exportMatches(name) {
		return fmt.Errorf("unknown export %q", name)
	}

	if err := binary.Write(conn, binary.BigEndian, s.driver.Size()); err != nil {
		return err
	}
	flags := s.driver.Features().transmissionFlags(s.driver.ReadOnly())
	if err := binary.Write(conn, binary.BigEndian, flags); err != nil {
		return err
	}

	if clientFlags&uint32(flagNoZeroes) == 0 {
		pad := make([]byte, 124)
		if _, err := conn.Write(pad); err != nil {
			return err
		}
	}

	return nil
}

// replyInfo answers NBD_OPT_GO and NBD_OPT_INFO. It returns true when the
// option was GO and the client is now in transmission phase.
func (s *Server) replyInfo(conn net.Conn, opt uint32, payload []byte) (bool, error) {
	if len(payload) < 6 {
		return false, s.replyOption(conn, opt, repErrInvalid, nil)
	}

	nameLen := binary.BigEndian.Uint32(payload)
	if uint32(len(payload)) < 6+nameLen {
		return false, s.replyOption(conn, opt, repErrInvalid, nil)
	}
	name := string(payload[4 : 4+nameLen])

	if !s.exportMatches(name) {
		return false, s.replyOption(conn, opt, repErrUnknown, nil)
	}

	// NBD_INFO_EXPORT is mandatory, the rest is served unconditionally
	// instead of parsing the client's request list.
	export := make([]byte, 12)
	binary.BigEndian.PutUint16(export, infoExport)
	binary.BigEndian.PutUint64(export[2:], s.driver.Size())
	binary.BigEndian.PutUint16(export[10:], s.driver.Features().transmissionFlags(s.driver.ReadOnly()))
	if err := s.replyOption(conn, opt, repInfo, export); err != nil {
		return false, err
	}

	min, preferred, max := s.driver.BlockSize()
	sizes := make([]byte, 14)
	binary.BigEndian.PutUint16(sizes, infoBlockSize)
	binary.BigEndian.PutUint32(sizes[2:], min)
	binary.BigEndian.PutUint32(sizes[6:], preferred)
	binary.BigEndian.PutUint32(sizes[10:], max)
	if err := s.replyOption(conn, opt, repInfo, sizes); err != nil {
		return false, err
	}

	if err := s.replyOption(conn, opt, repInfo, infoString(infoName, s.driver.Name())); err != nil {
		return false, err
	}
	if err := s.replyOption(conn, opt, repInfo, infoString(infoDescription, s.driver.Description())); err != nil {
		return false, err
	}

	if err := s.replyOption(conn, opt, repAck, nil); err != nil {
		return false, err
	}

	return opt == optGo, nil
}

// replyList answers NBD_OPT_LIST with the single export this server has.
func (s *Server) replyList(conn net.Conn) error {
	name := s.driver.Name()
	payload := make([]byte, 4+len(name))
	binary.BigEndian.PutUint32(payload, uint32(len(name)))
	copy(payload[4:], name)

	if err := s.replyOption(conn, optList, repServer, payload); err != nil {
		return err
	}

	return s.replyOption(conn, optList, repAck, nil)
}

// exportMatches accepts the canonical export name and the default (empty)
// export. There is only one device behind the server.
func (s *Server) exportMatches(name string) bool {
	return name == "" || name == s.driver.Name()
}

func infoString(typ uint16, s string) []byte {
	payload := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(payload, typ)
	copy(payload[2:], s)

	return payload
}

// transmission reads commands and dispatches them to the driver. Commands
// are handled concurrently, replies are serialized over the reply mutex.
// There is no cross-command ordering guarantee, which matches what the
// protocol promises for in-flight requests.
func (s *Server) transmission(conn net.Conn) error {
	var replyMu sync.Mutex
	var inflight sync.WaitGroup

	defer inflight.Wait()

	for {
		var req requestHeader
		if err := binary.Read(conn, binary.BigEndian, &req); err != nil {
			return err
		}
		if req.Magic != requestMagic {
			return fmt.Errorf("bad request magic %#x", req.Magic)
		}

		var data []byte
		if req.Type == cmdWrite {
			if req.Length > maxRequestLength {
				return fmt.Errorf("write request of %d bytes", req.Length)
			}
			data = make([]byte, req.Length)
			if _, err := io.ReadFull(conn, data); err != nil {
				return fmt.Errorf("write payload: %w", err)
			}
		}

		if req.Type == cmdDisc {
			return nil
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.dispatch(conn, &replyMu, req, data)
		}()
	}
}

// dispatch runs one command against the driver and sends the reply.
func (s *Server) dispatch(conn net.Conn, replyMu *sync.Mutex, req requestHeader, data []byte) {
	flags := CommandFlags(req.Flags)

	var payload []byte
	var err error

	switch req.Type {
	case cmdRead:
		if req.Length > maxRequestLength {
			err = &Error{Errno: EOVERFLOW}
			break
		}
		payload, err = s.driver.Read(req.Offset, req.Length, flags)

	case cmdWrite:
		err = s.driver.Write(req.Offset, data, flags)

	case cmdFlush:
		err = s.driver.Flush(flags)

	case cmdTrim:
		err = s.driver.Trim(req.Offset, req.Length, flags)

	case cmdWriteZeroes:
		err = s.driver.WriteZeroes(req.Offset, req.Length, flags)

	case cmdCache:
		err = s.driver.Cache(req.Offset, req.Length, flags)

	case cmdBlockStatus:
		err = s.driver.BlockStatus(req.Offset, req.Length, flags)

	case cmdResize:
		err = s.driver.Resize(req.Offset, flags)

	default:
		err = &Error{Errno: EINVAL, Err: fmt.Errorf("unknown command %d", req.Type)}
	}

	var errno uint32
	if err != nil {
		errno = ErrnoOf(err)
		payload = nil
		log.Debug().Err(err).Uint16("command", req.Type).Uint64("offset", req.Offset).Msg("Command failed")
	}

	reply := simpleReplyHeader{
		Magic:  simpleReplyMagic,
		Error:  errno,
		Cookie: req.Cookie,
	}

	replyMu.Lock()
	defer replyMu.Unlock()

	if err := binary.Write(conn, binary.BigEndian, &reply); err != nil {
		log.Info().Err(err).Msg("Sending reply failed")
		return
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			log.Info().Err(err).Msg("Sending read payload failed")
		}
	}
}

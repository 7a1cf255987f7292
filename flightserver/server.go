package flightserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	flightBatchSize = 1024

	// MaxGRPCMessageSize is 1GB, large enough for wide record batches.
	MaxGRPCMessageSize = 1 << 30
)

// statements routed to Exec rather than Query when they arrive in a ticket.
var execKeywords = map[string]bool{
	"CREATE": true, "DROP": true, "ALTER": true, "INSERT": true,
	"UPDATE": true, "DELETE": true, "SET": true, "COPY": true,
	"ATTACH": true, "DETACH": true,
}

var queryKeywords = map[string]bool{
	"SELECT": true, "WITH": true, "FROM": true, "SHOW": true,
	"DESCRIBE": true, "SUMMARIZE": true, "PRAGMA": true, "VALUES": true,
	"EXPLAIN": true,
}

var statusSchema = arrow.NewSchema([]arrow.Field{
	{Name: "status", Type: arrow.BinaryTypes.String},
}, nil)

// Server is a DuckDB-backed Arrow Flight server. Tickets carry raw SQL or a
// bare table name, PUT streams ingest Arrow batches into tables, and exchange
// streams run a named transform over each batch.
type Server struct {
	flight.BaseFlightServer

	cfg      Config
	db       *sql.DB
	sessions *Sessions
	registry ExchangerRegistry
	alloc    memory.Allocator

	mu        sync.Mutex
	stopped   bool
	flightSrv flight.Server
	startTime time.Time
}

// NewServer opens the configured DuckDB database and prepares a Flight server
// around it. The exchanger registry is fixed for the lifetime of the server.
func NewServer(cfg Config, registry ExchangerRegistry) (*Server, error) {
	dbPath := cfg.DBPath
	if dbPath == ":memory:" {
		dbPath = ""
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %q: %w", cfg.DBPath, err)
	}

	var one int
	if err := db.QueryRow("SELECT 1").Scan(&one); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verify duckdb %q: %w", cfg.DBPath, err)
	}

	if registry == nil {
		registry = NewExchangerRegistry()
	}

	return &Server{
		cfg:       cfg,
		db:        db,
		sessions:  NewSessions(cfg.Users),
		registry:  registry,
		alloc:     memory.DefaultAllocator,
		startTime: time.Now(),
	}, nil
}

// DB exposes the underlying database for seeding in tests and demos.
func (s *Server) DB() *sql.DB {
	return s.db
}

// ListenAndServe listens on the configured location and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	addr, err := ParseLocation(s.cfg.Location)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("flight listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves Flight on the given listener, blocking until Shutdown.
// A server that was already shut down refuses to start.
func (s *Server) Serve(listener net.Listener) error {
	grpcOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxGRPCMessageSize),
		grpc.MaxSendMsgSize(MaxGRPCMessageSize),
	}
	if s.cfg.Auth {
		grpcOpts = append(grpcOpts,
			grpc.ChainUnaryInterceptor(AuthUnaryInterceptor(s.sessions)),
			grpc.ChainStreamInterceptor(AuthStreamInterceptor(s.sessions)),
		)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = listener.Close()
		return grpc.ErrServerStopped
	}
	s.flightSrv = flight.NewServerWithMiddleware(nil, grpcOpts...)
	s.flightSrv.RegisterFlightService(s)
	s.flightSrv.InitListener(listener)
	s.mu.Unlock()

	slog.Info("Starting Flight server", "server", s.cfg.Name, "addr", listener.Addr().String(), "db", s.cfg.DBPath, "auth", s.cfg.Auth)
	return s.flightSrv.Serve()
}

// Addr returns the bound listener address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	srv := s.flightSrv
	s.mu.Unlock()
	if srv == nil {
		return ""
	}
	return srv.Addr().String()
}

// Shutdown stops the Flight server and closes the database.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.stopped = true
	srv := s.flightSrv
	s.mu.Unlock()
	if srv != nil {
		srv.Shutdown()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("Failed to close database", "server", s.cfg.Name, "error", err)
		}
	}
	slog.Info("Flight server stopped", "server", s.cfg.Name)
}

// Handshake accepts the client handshake without inspecting it. Credentials
// travel in the authorization header and are checked by the interceptors,
// which attach the bearer token to the response headers.
func (s *Server) Handshake(stream flight.FlightService_HandshakeServer) error {
	if _, err := stream.Recv(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// DoGet streams the result of the ticket's request. A ticket carries either a
// SQL statement or a bare dataset name. Statements that do not produce rows
// are executed and acknowledged with a single {status: "OK"} row.
func (s *Server) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) (err error) {
	defer func() { observeCall("do_get", err) }()

	ctx := stream.Context()
	request := strings.TrimSpace(string(tkt.GetTicket()))
	if request == "" {
		return status.Error(codes.InvalidArgument, "empty ticket")
	}

	query, isExec := classifyTicket(request)
	if isExec {
		if _, execErr := s.db.ExecContext(ctx, query); execErr != nil {
			return mapDBError(execErr)
		}
		return s.writeStatusOK(stream)
	}

	schema, err := querySchema(ctx, s.db, query, s.alloc)
	if err != nil {
		return mapDBError(err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return mapDBError(err)
	}
	defer func() {
		_ = rows.Close()
	}()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(s.alloc))
	defer func() {
		if closeErr := writer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for {
		record, recErr := rowsToRecord(s.alloc, rows, schema, flightBatchSize)
		if recErr != nil {
			return status.Errorf(codes.Internal, "read rows: %v", recErr)
		}
		if record == nil {
			return nil
		}
		writeErr := writer.Write(record)
		observeRows("get", record.NumRows())
		record.Release()
		if writeErr != nil {
			return writeErr
		}
	}
}

// classifyTicket decides whether a ticket request is executed or queried.
// A bare dataset name is rewritten to a full table scan.
func classifyTicket(request string) (query string, isExec bool) {
	first := request
	if i := strings.IndexAny(request, " \t\r\n"); i >= 0 {
		first = request[:i]
	}
	keyword := strings.ToUpper(first)

	switch {
	case execKeywords[keyword]:
		return request, true
	case queryKeywords[keyword] || strings.HasPrefix(keyword, "("):
		return request, false
	case first == request:
		// single token that is not a SQL keyword: a dataset name
		return "SELECT * FROM " + quoteIdent(request), false
	default:
		return request, false
	}
}

func (s *Server) writeStatusOK(stream flight.FlightService_DoGetServer) error {
	builder := array.NewRecordBuilder(s.alloc, statusSchema)
	defer builder.Release()
	builder.Field(0).(*array.StringBuilder).Append("OK")
	record := builder.NewRecordBatch()
	defer record.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(statusSchema), ipc.WithAllocator(s.alloc))
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// DoPut ingests an Arrow stream into the table named by the descriptor. The
// table is created from the stream schema when absent, and the whole stream
// lands in one transaction: a mid-stream failure discards every batch.
func (s *Server) DoPut(stream flight.FlightService_DoPutServer) (err error) {
	defer func() { observeCall("do_put", err) }()

	ctx := stream.Context()
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read put stream: %v", err)
	}
	defer reader.Release()

	table, err := descriptorTable(reader.LatestFlightDescriptor())
	if err != nil {
		return err
	}
	schema := reader.Schema()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return status.Errorf(codes.Internal, "begin transaction: %v", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, createTableSQL(table, schema)); err != nil {
		return mapDBError(err)
	}

	var total int64
	for reader.Next() {
		record := reader.RecordBatch()
		inserted, insErr := insertRecord(ctx, tx, table, record)
		if insErr != nil {
			return mapDBError(insErr)
		}
		total += inserted
		observeRows("put", inserted)
	}
	if readErr := reader.Err(); readErr != nil && !errors.Is(readErr, io.EOF) {
		return status.Errorf(codes.InvalidArgument, "put stream: %v", readErr)
	}

	if err := tx.Commit(); err != nil {
		return status.Errorf(codes.Internal, "commit: %v", err)
	}
	committed = true

	ack, _ := json.Marshal(map[string]int64{"rows": total})
	return stream.Send(&flight.PutResult{AppMetadata: ack})
}

// createTableSQL renders CREATE TABLE IF NOT EXISTS from an Arrow schema.
func createTableSQL(table string, schema *arrow.Schema) string {
	cols := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = quoteIdent(f.Name) + " " + arrowTypeToDuckDB(f.Type)
	}
	return "CREATE TABLE IF NOT EXISTS " + quoteIdent(table) + " (" + strings.Join(cols, ", ") + ")"
}

// insertRecord appends one record batch to the table with a multi-row INSERT.
func insertRecord(ctx context.Context, tx *sql.Tx, table string, record arrow.RecordBatch) (int64, error) {
	numRows := int(record.NumRows())
	numCols := int(record.NumCols())
	if numRows == 0 {
		return 0, nil
	}

	cols := make([]string, numCols)
	for i, f := range record.Schema().Fields() {
		cols[i] = quoteIdent(f.Name)
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteIdent(table))
	sb.WriteString(" (")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(") VALUES ")

	for row := 0; row < numRows; row++ {
		if row > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for col := 0; col < numCols; col++ {
			if col > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(sqlLiteral(recordValue(record.Column(col), row)))
		}
		sb.WriteByte(')')
	}

	if _, err := tx.ExecContext(ctx, sb.String()); err != nil {
		return 0, err
	}
	return int64(numRows), nil
}

// DoExchange runs the exchanger named by the descriptor command over each
// incoming batch and streams the transformed batches back in order.
func (s *Server) DoExchange(stream flight.FlightService_DoExchangeServer) (err error) {
	defer func() { observeCall("do_exchange", err) }()

	ctx := stream.Context()
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read exchange stream: %v", err)
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil || len(desc.Cmd) == 0 {
		return status.Error(codes.InvalidArgument, "exchange descriptor must carry a command")
	}
	name := string(desc.Cmd)

	exchanger, ok := s.registry[name]
	if !ok {
		return status.Errorf(codes.NotFound, "no exchanger registered for %q", name)
	}

	var writer *flight.Writer
	defer func() {
		if writer != nil {
			if closeErr := writer.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
	}()

	batches := 0
	for reader.Next() {
		in := reader.RecordBatch()
		observeRows("exchange_in", in.NumRows())

		out, txErr := exchanger.Transform(ctx, in)
		if txErr != nil {
			return status.Errorf(codes.Internal, "transform %q: %v", name, txErr)
		}

		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()), ipc.WithAllocator(s.alloc))
		}
		writeErr := writer.Write(out)
		observeRows("exchange_out", out.NumRows())
		out.Release()
		if writeErr != nil {
			return writeErr
		}
		batches++
	}
	if readErr := reader.Err(); readErr != nil && !errors.Is(readErr, io.EOF) {
		return status.Errorf(codes.InvalidArgument, "exchange stream: %v", readErr)
	}
	if batches == 0 {
		return status.Error(codes.InvalidArgument, "exchange stream carried no batches")
	}
	return nil
}

// GetFlightInfo resolves a descriptor to a single-endpoint FlightInfo whose
// ticket replays the request against this server.
func (s *Server) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	query, ticket, err := descriptorQuery(desc)
	if err != nil {
		return nil, err
	}

	schema, err := querySchema(ctx, s.db, query, s.alloc)
	if err != nil {
		return nil, mapDBError(err)
	}

	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(schema, s.alloc),
		FlightDescriptor: desc,
		Endpoint: []*flight.FlightEndpoint{{
			Ticket: &flight.Ticket{Ticket: ticket},
		}},
		TotalRecords: -1,
		TotalBytes:   -1,
	}, nil
}

// GetSchema resolves the descriptor's result schema without running the query.
func (s *Server) GetSchema(ctx context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	query, _, err := descriptorQuery(desc)
	if err != nil {
		return nil, err
	}

	schema, err := querySchema(ctx, s.db, query, s.alloc)
	if err != nil {
		return nil, mapDBError(err)
	}
	return &flight.SchemaResult{Schema: flight.SerializeSchema(schema, s.alloc)}, nil
}

// descriptorQuery turns a descriptor into a query plus the ticket that will
// reproduce it. Path descriptors name a table, command descriptors carry SQL.
func descriptorQuery(desc *flight.FlightDescriptor) (query string, ticket []byte, err error) {
	if desc == nil {
		return "", nil, status.Error(codes.InvalidArgument, "missing flight descriptor")
	}
	switch desc.Type {
	case flight.DescriptorPATH:
		if len(desc.Path) == 0 || desc.Path[0] == "" {
			return "", nil, status.Error(codes.InvalidArgument, "path descriptor is empty")
		}
		return "SELECT * FROM " + quoteIdent(desc.Path[0]), []byte(desc.Path[0]), nil
	case flight.DescriptorCMD:
		if len(desc.Cmd) == 0 {
			return "", nil, status.Error(codes.InvalidArgument, "command descriptor is empty")
		}
		return string(desc.Cmd), desc.Cmd, nil
	default:
		return "", nil, status.Errorf(codes.InvalidArgument, "unsupported descriptor type %v", desc.Type)
	}
}

// descriptorTable extracts the target table name for a PUT stream.
func descriptorTable(desc *flight.FlightDescriptor) (string, error) {
	if desc == nil {
		return "", status.Error(codes.InvalidArgument, "missing flight descriptor")
	}
	if len(desc.Path) > 0 && desc.Path[0] != "" {
		return desc.Path[0], nil
	}
	if len(desc.Cmd) > 0 {
		return string(desc.Cmd), nil
	}
	return "", status.Error(codes.InvalidArgument, "descriptor does not name a table")
}

// ListFlights lists the base tables of the backing database. A non-empty
// criteria expression is applied as a LIKE pattern on the table name.
func (s *Server) ListFlights(criteria *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	ctx := stream.Context()

	query := "SELECT table_name FROM information_schema.tables WHERE table_type = 'BASE TABLE'"
	args := make([]any, 0, 1)
	if criteria != nil && len(criteria.Expression) > 0 {
		query += " AND table_name LIKE ?"
		args = append(args, string(criteria.Expression))
	}
	query += " ORDER BY table_name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return mapDBError(err)
	}
	defer func() {
		_ = rows.Close()
	}()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return status.Errorf(codes.Internal, "scan table name: %v", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return status.Errorf(codes.Internal, "list tables: %v", err)
	}

	for _, name := range names {
		schema, err := querySchema(ctx, s.db, "SELECT * FROM "+quoteIdent(name), s.alloc)
		if err != nil {
			return mapDBError(err)
		}
		info := &flight.FlightInfo{
			Schema: flight.SerializeSchema(schema, s.alloc),
			FlightDescriptor: &flight.FlightDescriptor{
				Type: flight.DescriptorPATH,
				Path: []string{name},
			},
			Endpoint: []*flight.FlightEndpoint{{
				Ticket: &flight.Ticket{Ticket: []byte(name)},
			}},
			TotalRecords: -1,
			TotalBytes:   -1,
		}
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}

// DoAction handles server introspection actions.
func (s *Server) DoAction(cmd *flight.Action, stream flight.FlightService_DoActionServer) error {
	switch cmd.Type {
	case "health_check":
		return s.doHealthCheck(stream)
	case "list_exchanges":
		return s.doListExchanges(stream)
	default:
		return status.Errorf(codes.Unimplemented, "unknown action type: %s", cmd.Type)
	}
}

func (s *Server) doHealthCheck(stream flight.FlightService_DoActionServer) error {
	resp, _ := json.Marshal(map[string]interface{}{
		"healthy":   true,
		"server":    s.cfg.Name,
		"sessions":  s.sessions.Active(),
		"uptime_ns": time.Since(s.startTime).Nanoseconds(),
	})
	return stream.Send(&flight.Result{Body: resp})
}

func (s *Server) doListExchanges(stream flight.FlightService_DoActionServer) error {
	for _, name := range s.registry.Names() {
		if err := stream.Send(&flight.Result{Body: []byte(name)}); err != nil {
			return err
		}
	}
	return nil
}

// ListActions advertises the supported DoAction types.
func (s *Server) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	actions := []*flight.ActionType{
		{Type: "health_check", Description: "Report server health and active session count"},
		{Type: "list_exchanges", Description: "List registered exchange transform names"},
	}
	for _, a := range actions {
		if err := stream.Send(a); err != nil {
			return err
		}
	}
	return nil
}

// mapDBError translates DuckDB errors into gRPC status codes.
func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "does not exist"):
		return status.Error(codes.NotFound, msg)
	case strings.Contains(msg, "Parser Error"), strings.Contains(msg, "Binder Error"),
		strings.Contains(msg, "Conversion Error"), strings.Contains(msg, "syntax error"):
		return status.Error(codes.InvalidArgument, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}

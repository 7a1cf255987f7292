package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/TFMV/Mallard/flightserver"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var airportCodes = []string{"ATL", "DFW", "DEN", "ORD", "LAX", "CLT", "LAS", "PHX", "MCO", "SEA"}

var flightsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "FL_DATE", Type: arrow.FixedWidthTypes.Date32},
	{Name: "ORIGIN", Type: arrow.BinaryTypes.String},
	{Name: "DEST", Type: arrow.BinaryTypes.String},
	{Name: "DEP_TIME", Type: arrow.PrimitiveTypes.Float64},
	{Name: "DEP_DELAY", Type: arrow.PrimitiveTypes.Int32},
	{Name: "AIR_TIME", Type: arrow.PrimitiveTypes.Int32},
	{Name: "DISTANCE", Type: arrow.PrimitiveTypes.Int32},
}, nil)

type demo struct {
	ctx1    context.Context
	ctx2    context.Context
	client1 flight.Client
	client2 flight.Client
	alloc   memory.Allocator
}

func main() {
	server1 := flag.String("server1", "grpc://localhost:8815", "Location of server1")
	server2 := flag.String("server2", "grpc://localhost:8816", "Location of server2")
	auth := flag.Bool("auth", false, "Authenticate with Basic credentials before calling")
	username := flag.String("username", "admin", "Username for --auth")
	password := flag.String("password", "password123", "Password for --auth")
	rows := flag.Int("rows", 21900, "Number of flights rows to generate for the benchmark")
	timeout := flag.Duration("wait", 30*time.Second, "How long to wait for the servers to come up")
	flag.Parse()

	d := &demo{alloc: memory.DefaultAllocator}

	var err error
	d.client1, d.ctx1, err = connect(*server1, *auth, *username, *password)
	if err != nil {
		fatal("connect server1", err)
	}
	defer func() {
		_ = d.client1.Close()
	}()
	d.client2, d.ctx2, err = connect(*server2, *auth, *username, *password)
	if err != nil {
		fatal("connect server2", err)
	}
	defer func() {
		_ = d.client2.Close()
	}()

	if err := d.waitForServers(*timeout); err != nil {
		fatal("servers not ready", err)
	}

	if err := d.verifyConnection(); err != nil {
		fatal("verify connection", err)
	}
	if err := d.moveFooTable(); err != nil {
		fatal("move foo table", err)
	}
	if err := d.sendFlights(*rows); err != nil {
		fatal("send flights", err)
	}
	if err := d.benchmarkTransfer(); err != nil {
		fatal("benchmark transfer", err)
	}
	if err := d.runExchange(); err != nil {
		fatal("run exchange", err)
	}
	if err := d.checkHealth(); err != nil {
		fatal("health check", err)
	}

	fmt.Println("\nDemo complete.")
}

func fatal(stage string, err error) {
	slog.Error("Demo failed", "stage", stage, "error", err)
	os.Exit(1)
}

// connect dials a Flight server and, when requested, performs the Basic
// handshake. The returned context carries the issued bearer token.
func connect(location string, auth bool, username, password string) (flight.Client, context.Context, error) {
	addr, err := flightserver.ParseLocation(location)
	if err != nil {
		return nil, nil, err
	}

	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(flightserver.MaxGRPCMessageSize),
			grpc.MaxCallSendMsgSize(flightserver.MaxGRPCMessageSize),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	ctx := context.Background()
	if auth {
		ctx, err = client.AuthenticateBasicToken(ctx, username, password)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("authenticate %s: %w", location, err)
		}
	}
	return client, ctx, nil
}

// waitForServers polls both servers with a trivial query until they respond.
func (d *demo) waitForServers(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	probes := []struct {
		ctx    context.Context
		client flight.Client
		name   string
	}{
		{d.ctx1, d.client1, "server1"},
		{d.ctx2, d.client2, "server2"},
	}

	for {
		ready := true
		for _, p := range probes {
			if _, err := collectQuery(p.ctx, p.client, "SELECT 1"); err != nil {
				ready = false
				if time.Now().After(deadline) {
					return fmt.Errorf("%s not ready: %w", p.name, err)
				}
				fmt.Printf("Waiting for %s...\n", p.name)
				time.Sleep(time.Second)
				break
			}
		}
		if ready {
			fmt.Println("Both servers ready.")
			return nil
		}
	}
}

func (d *demo) verifyConnection() error {
	records, err := collectQuery(d.ctx2, d.client2, "SELECT 42 AS answer")
	if err != nil {
		return err
	}
	defer releaseAll(records)
	fmt.Printf("\nConnection verified: an answer of %d rows came back.\n", countRows(records))
	return nil
}

// moveFooTable creates a tiny table on server1 and copies it to server2
// with a GET/PUT round trip.
func (d *demo) moveFooTable() error {
	setup := "CREATE TABLE IF NOT EXISTS foo (id INTEGER, name VARCHAR); " +
		"INSERT INTO foo VALUES (1, 'test'), (2, 'example')"
	if _, err := collectQuery(d.ctx1, d.client1, setup); err != nil {
		return fmt.Errorf("setup foo on server1: %w", err)
	}

	records, err := collectQuery(d.ctx1, d.client1, "SELECT * FROM foo")
	if err != nil {
		return fmt.Errorf("fetch foo from server1: %w", err)
	}
	defer releaseAll(records)
	fmt.Printf("\nfoo on server1: %d rows\n", countRows(records))

	if len(records) == 0 {
		return errors.New("foo came back empty")
	}
	put, err := putRecords(d.ctx2, d.client2, "foo", records[0].Schema(), records)
	if err != nil {
		return fmt.Errorf("put foo to server2: %w", err)
	}
	fmt.Printf("Moved foo to server2 (%d rows acknowledged).\n", put)

	back, err := collectQuery(d.ctx2, d.client2, "SELECT * FROM foo")
	if err != nil {
		return fmt.Errorf("fetch foo from server2: %w", err)
	}
	defer releaseAll(back)
	fmt.Printf("foo on server2: %d rows\n", countRows(back))
	return nil
}

// sendFlights generates a synthetic flights dataset and PUTs it to server1.
func (d *demo) sendFlights(rows int) error {
	records := generateFlights(d.alloc, rows)
	defer releaseAll(records)

	start := time.Now()
	acked, err := putRecords(d.ctx1, d.client1, "flights", flightsSchema, records)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	fmt.Printf("\nSent %d flights rows to server1 in %.3fs (%.0f rows/sec).\n",
		acked, elapsed.Seconds(), float64(acked)/elapsed.Seconds())
	return nil
}

// benchmarkTransfer streams flights from server1 into server2 batch by batch,
// reporting throughput.
func (d *demo) benchmarkTransfer() error {
	start := time.Now()

	stream, err := d.client1.DoGet(d.ctx1, &flight.Ticket{Ticket: []byte("SELECT * FROM flights")})
	if err != nil {
		return err
	}
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	putStream, err := d.client2.DoPut(d.ctx2)
	if err != nil {
		return err
	}
	writer := flight.NewRecordWriter(putStream, ipc.WithSchema(reader.Schema()), ipc.WithAllocator(d.alloc))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte("flights"),
	})

	var batches, totalRows int64
	for reader.Next() {
		record := reader.RecordBatch()
		if record.NumRows() == 0 {
			continue
		}
		if err := writer.Write(record); err != nil {
			_ = writer.Close()
			return err
		}
		batches++
		totalRows += record.NumRows()
		if batches%100 == 0 {
			fmt.Printf("Streamed %d batches...\n", batches)
		}
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := putStream.CloseSend(); err != nil {
		return err
	}
	if _, err := putStream.Recv(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	elapsed := time.Since(start)
	fmt.Printf("\nStreamed %d batches (%d rows) server1 -> server2 in %.3fs (%.0f rows/sec).\n",
		batches, totalRows, elapsed.Seconds(), float64(totalRows)/elapsed.Seconds())
	return nil
}

// runExchange pushes the flights table through the append_processed exchanger
// on server1 and verifies the extra column on the way back.
func (d *demo) runExchange() error {
	records, err := collectQuery(d.ctx1, d.client1, "SELECT * FROM flights")
	if err != nil {
		return err
	}
	defer releaseAll(records)
	if len(records) == 0 {
		return errors.New("flights table is empty")
	}

	stream, err := d.client1.DoExchange(d.ctx1)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(records[0].Schema()), ipc.WithAllocator(d.alloc))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte("append_processed"),
	})

	start := time.Now()
	var sentRows int64
	writeErr := make(chan error, 1)
	go func() {
		for _, record := range records {
			if err := writer.Write(record); err != nil {
				_ = writer.Close()
				writeErr <- err
				return
			}
			sentRows += record.NumRows()
		}
		if err := writer.Close(); err != nil {
			writeErr <- err
			return
		}
		writeErr <- stream.CloseSend()
	}()

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	var gotRows int64
	processedSeen := false
	for reader.Next() {
		record := reader.RecordBatch()
		gotRows += record.NumRows()

		idx := record.Schema().FieldIndices("processed")
		if len(idx) != 1 {
			return errors.New("response batch is missing the processed column")
		}
		col, ok := record.Column(idx[0]).(*array.Boolean)
		if !ok {
			return errors.New("processed column is not boolean")
		}
		for i := 0; i < col.Len(); i++ {
			if !col.Value(i) {
				return fmt.Errorf("processed[%d] is false", i)
			}
		}
		processedSeen = true
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if err := <-writeErr; err != nil {
		return err
	}
	if !processedSeen {
		return errors.New("exchange returned no batches")
	}
	if gotRows != sentRows {
		return fmt.Errorf("exchange row count mismatch: sent %d, got %d", sentRows, gotRows)
	}

	elapsed := time.Since(start)
	fmt.Printf("\nExchange append_processed: %d rows round-tripped in %.3fs (%.0f rows/sec).\n",
		gotRows, elapsed.Seconds(), float64(gotRows)/elapsed.Seconds())
	return nil
}

// checkHealth exercises the introspection actions on both servers.
func (d *demo) checkHealth() error {
	for _, target := range []struct {
		ctx    context.Context
		client flight.Client
		name   string
	}{
		{d.ctx1, d.client1, "server1"},
		{d.ctx2, d.client2, "server2"},
	} {
		stream, err := target.client.DoAction(target.ctx, &flight.Action{Type: "health_check"})
		if err != nil {
			return err
		}
		result, err := stream.Recv()
		if err != nil {
			return err
		}
		fmt.Printf("\n%s health: %s\n", target.name, string(result.Body))
	}
	return nil
}

// collectQuery runs a ticket against a server and returns all record batches.
// The caller releases the records.
func collectQuery(ctx context.Context, client flight.Client, query string) ([]arrow.RecordBatch, error) {
	stream, err := client.DoGet(ctx, &flight.Ticket{Ticket: []byte(query)})
	if err != nil {
		return nil, err
	}
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var records []arrow.RecordBatch
	for reader.Next() {
		record := reader.RecordBatch()
		record.Retain()
		records = append(records, record)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		releaseAll(records)
		return nil, err
	}
	return records, nil
}

// putRecords streams records into the named table and returns the row count
// the server acknowledged.
func putRecords(ctx context.Context, client flight.Client, table string, schema *arrow.Schema, records []arrow.RecordBatch) (int64, error) {
	stream, err := client.DoPut(ctx)
	if err != nil {
		return 0, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(schema))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte(table),
	})

	var sent int64
	for _, record := range records {
		if err := writer.Write(record); err != nil {
			_ = writer.Close()
			return 0, err
		}
		sent += record.NumRows()
	}
	if err := writer.Close(); err != nil {
		return 0, err
	}
	if err := stream.CloseSend(); err != nil {
		return 0, err
	}

	if _, err := stream.Recv(); err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	return sent, nil
}

func countRows(records []arrow.RecordBatch) int64 {
	var n int64
	for _, r := range records {
		n += r.NumRows()
	}
	return n
}

func releaseAll(records []arrow.RecordBatch) {
	for _, r := range records {
		r.Release()
	}
}

// generateFlights builds a synthetic flights dataset in batches of 1024 rows,
// shaped like the classic US flights sample.
func generateFlights(alloc memory.Allocator, rows int) []arrow.RecordBatch {
	rng := rand.New(rand.NewSource(42))
	epoch := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	epochDays := int32(epoch.Unix() / 86400)

	var records []arrow.RecordBatch
	remaining := rows
	for remaining > 0 {
		n := remaining
		if n > 1024 {
			n = 1024
		}
		remaining -= n

		builder := array.NewRecordBuilder(alloc, flightsSchema)
		dates := builder.Field(0).(*array.Date32Builder)
		origins := builder.Field(1).(*array.StringBuilder)
		dests := builder.Field(2).(*array.StringBuilder)
		depTimes := builder.Field(3).(*array.Float64Builder)
		depDelays := builder.Field(4).(*array.Int32Builder)
		airTimes := builder.Field(5).(*array.Int32Builder)
		distances := builder.Field(6).(*array.Int32Builder)

		for i := 0; i < n; i++ {
			origin := airportCodes[rng.Intn(len(airportCodes))]
			dest := airportCodes[rng.Intn(len(airportCodes))]
			for dest == origin {
				dest = airportCodes[rng.Intn(len(airportCodes))]
			}

			dates.Append(arrow.Date32(epochDays + int32(rng.Intn(365))))
			origins.Append(origin)
			dests.Append(dest)
			depTimes.Append(float64((6 + rng.Intn(16)) * 100))
			depDelays.Append(int32(rng.NormFloat64()*10 + 15))
			airTime := int32(rng.NormFloat64()*30 + 120)
			if airTime < 30 {
				airTime = 30
			}
			airTimes.Append(airTime)
			distances.Append(int32(rng.NormFloat64()*200 + 800))
		}

		records = append(records, builder.NewRecordBatch())
		builder.Release()
	}
	return records
}

package flightserver

import (
	"context"
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Exchanger transforms one record batch at a time during a DoExchange call.
// Implementations must preserve row count and row order and must not carry
// state across batches; the dispatcher may reuse one instance for many calls.
type Exchanger interface {
	Name() string
	Transform(ctx context.Context, batch arrow.RecordBatch) (arrow.RecordBatch, error)
}

// ExchangerRegistry maps exchange command names to their transforms. The
// registry is populated at server construction and never mutated afterwards.
type ExchangerRegistry map[string]Exchanger

// NewExchangerRegistry builds a registry from the given exchangers.
// Duplicate names panic; registration is a startup-time concern.
func NewExchangerRegistry(exchangers ...Exchanger) ExchangerRegistry {
	reg := make(ExchangerRegistry, len(exchangers))
	for _, ex := range exchangers {
		if _, dup := reg[ex.Name()]; dup {
			panic(fmt.Sprintf("duplicate exchanger name: %s", ex.Name()))
		}
		reg[ex.Name()] = ex
	}
	return reg
}

// Names returns the registered exchange names in sorted order.
func (r ExchangerRegistry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AppendProcessedExchanger appends a boolean "processed" column (all true)
// to every batch it sees. It is the demo transform shipped with the server.
type AppendProcessedExchanger struct {
	alloc memory.Allocator
}

// NewAppendProcessedExchanger creates the demo exchanger.
func NewAppendProcessedExchanger(alloc memory.Allocator) *AppendProcessedExchanger {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	return &AppendProcessedExchanger{alloc: alloc}
}

func (e *AppendProcessedExchanger) Name() string { return "append_processed" }

func (e *AppendProcessedExchanger) Transform(ctx context.Context, batch arrow.RecordBatch) (arrow.RecordBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := int(batch.NumRows())
	bldr := array.NewBooleanBuilder(e.alloc)
	defer bldr.Release()
	for i := 0; i < n; i++ {
		bldr.Append(true)
	}
	processed := bldr.NewArray()
	defer processed.Release()

	schema := ProcessedSchema(batch.Schema())
	cols := make([]arrow.Array, 0, batch.NumCols()+1)
	for i := 0; i < int(batch.NumCols()); i++ {
		cols = append(cols, batch.Column(i))
	}
	cols = append(cols, processed)

	return array.NewRecordBatch(schema, cols, int64(n)), nil
}

// ProcessedSchema returns the input schema extended with the "processed"
// boolean column.
func ProcessedSchema(in *arrow.Schema) *arrow.Schema {
	fields := make([]arrow.Field, 0, in.NumFields()+1)
	fields = append(fields, in.Fields()...)
	fields = append(fields, arrow.Field{Name: "processed", Type: arrow.FixedWidthTypes.Boolean})
	return arrow.NewSchema(fields, nil)
}

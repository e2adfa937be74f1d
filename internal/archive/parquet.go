// Package archive exports event log ranges to parquet and ships them to
// object storage.
package archive

import (
	"encoding/json"
	"fmt"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"dmecoord/internal/domain"
)

// Record is one archived event row.
type Record struct {
	Topic     string `parquet:"name=topic, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	OrderID   string `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64  `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	Payload   string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func toRecord(evt domain.Event) (Record, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return Record{}, err
	}
	var micros int64
	if t, err := domain.ParseTime(evt.Timestamp); err == nil {
		micros = t.UnixMicro()
	}
	return Record{
		Topic:     evt.Topic,
		OrderID:   evt.OrderID(),
		Timestamp: micros,
		Payload:   string(payload),
	}, nil
}

// WriteParquet writes evts to a snappy compressed parquet file at path.
func WriteParquet(path string, evts []domain.Event) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	pw, err := writer.NewParquetWriter(fw, new(Record), 1)
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, evt := range evts {
		rec, err := toRecord(evt)
		if err != nil {
			_ = fw.Close()
			return err
		}
		if err := pw.Write(rec); err != nil {
			_ = fw.Close()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return fmt.Errorf("parquet flush: %w", err)
	}
	return fw.Close()
}

// ReadParquet loads every record of an archive file.
func ReadParquet(path string) ([]Record, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, err
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(Record), 1)
	if err != nil {
		return nil, err
	}
	defer pr.ReadStop()
	rows := make([]Record, int(pr.GetNumRows()))
	if err := pr.Read(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

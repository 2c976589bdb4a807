package types

import (
	"math/big"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
)

// SaleKind separates new eSIM sales from top-ups on the same table.
type SaleKind string

const (
	SaleKindESIM  SaleKind = "esim"
	SaleKindTopup SaleKind = "topup"
)

// SaleRow mirrors the esim_sales BigQuery schema. Prices are NUMERIC.
type SaleRow struct {
	EventID        string             `bigquery:"event_id"`
	EventType      string             `bigquery:"event_type"`
	Kind           SaleKind           `bigquery:"kind"`
	OccurredAt     time.Time          `bigquery:"occurred_at"`
	AgentID        string             `bigquery:"agent_id"`
	Supplier       string             `bigquery:"supplier"`
	OrderID        *string            `bigquery:"order_id"`
	TopupID        *string            `bigquery:"topup_id"`
	PlanID         *string            `bigquery:"plan_id"`
	CountryCode    *string            `bigquery:"country_code"`
	ICCID          string             `bigquery:"iccid"`
	WholesalePrice *big.Rat           `bigquery:"wholesale_price"`
	RetailPrice    *big.Rat           `bigquery:"retail_price"`
	Margin         *big.Rat           `bigquery:"margin"`
	Payload        cbigquery.NullJSON `bigquery:"payload"`
}

// SalesSchema is the esim_sales table layout, partitioned by occurred_at.
func SalesSchema() cbigquery.Schema {
	return cbigquery.Schema{
		{Name: "event_id", Type: cbigquery.StringFieldType, Required: true},
		{Name: "event_type", Type: cbigquery.StringFieldType, Required: true},
		{Name: "kind", Type: cbigquery.StringFieldType, Required: true},
		{Name: "occurred_at", Type: cbigquery.TimestampFieldType, Required: true},
		{Name: "agent_id", Type: cbigquery.StringFieldType, Required: true},
		{Name: "supplier", Type: cbigquery.StringFieldType},
		{Name: "order_id", Type: cbigquery.StringFieldType},
		{Name: "topup_id", Type: cbigquery.StringFieldType},
		{Name: "plan_id", Type: cbigquery.StringFieldType},
		{Name: "country_code", Type: cbigquery.StringFieldType},
		{Name: "iccid", Type: cbigquery.StringFieldType},
		{Name: "wholesale_price", Type: cbigquery.NumericFieldType},
		{Name: "retail_price", Type: cbigquery.NumericFieldType},
		{Name: "margin", Type: cbigquery.NumericFieldType},
		{Name: "payload", Type: cbigquery.JSONFieldType},
	}
}

var salesSchema = SalesSchema()

// Saver wraps the row for streaming insert. The event id doubles as the
// insert id so BigQuery drops rows from redelivered events.
func (r *SaleRow) Saver() *cbigquery.StructSaver {
	return &cbigquery.StructSaver{Schema: salesSchema, InsertID: r.EventID, Struct: r}
}

// JSONColumn stores raw event data in a JSON column; empty data is NULL.
func JSONColumn(raw []byte) cbigquery.NullJSON {
	if len(raw) == 0 || string(raw) == "null" {
		return cbigquery.NullJSON{}
	}
	return cbigquery.NullJSON{Valid: true, JSONVal: string(raw)}
}

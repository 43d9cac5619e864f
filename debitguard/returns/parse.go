package returns

import (
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/LerianStudio/lib-debitguard/debitguard"
	"github.com/LerianStudio/lib-debitguard/debitguard/money"
)

var (
	// ErrEmptyFile is returned for empty content.
	ErrEmptyFile = errors.New("return file is empty")
	// ErrUnparseable is returned when the file as a whole cannot be read.
	ErrUnparseable = errors.New("return file cannot be parsed")
)

// Parse detects the file format and extracts its records. Records that fail
// validation are returned as failures; only a file that cannot be read at all
// yields an error.
func Parse(content []byte) (Format, []Record, []RecordFailure, error) {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(content, []byte("\xef\xbb\xbf")))
	if len(trimmed) == 0 {
		return "", nil, nil, ErrEmptyFile
	}

	if trimmed[0] == '<' {
		records, failures, err := parsePain002(trimmed)
		return FormatPain002, records, failures, err
	}

	records, failures, err := parseCSV(trimmed)

	return FormatCSV, records, failures, err
}

// ---------------------------------------------------------------------------
// ISO 20022 pain.002 customer payment status report
// ---------------------------------------------------------------------------

type painDocument struct {
	XMLName xml.Name       `xml:"Document"`
	Report  *painStsReport `xml:"CstmrPmtStsRpt"`
}

type painStsReport struct {
	Payments []painPmtInf `xml:"OrgnlPmtInfAndSts"`
}

type painPmtInf struct {
	Transactions []painTxInf `xml:"TxInfAndSts"`
}

type painTxInf struct {
	EndToEndID string        `xml:"OrgnlEndToEndId"`
	Status     string        `xml:"TxSts"`
	Reasons    []painReason  `xml:"StsRsnInf"`
	Amount     *painInstdAmt `xml:"OrgnlTxRef>Amt>InstdAmt"`
}

type painReason struct {
	Code        string   `xml:"Rsn>Cd"`
	Proprietary string   `xml:"Rsn>Prtry"`
	Additional  []string `xml:"AddtlInf"`
}

type painInstdAmt struct {
	Currency string `xml:"Ccy,attr"`
	Value    string `xml:",chardata"`
}

func parsePain002(content []byte) ([]Record, []RecordFailure, error) {
	var doc painDocument
	if err := xml.Unmarshal(content, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	if doc.Report == nil {
		return nil, nil, fmt.Errorf("%w: missing CstmrPmtStsRpt", ErrUnparseable)
	}

	var (
		records  []Record
		failures []RecordFailure
		line     int
	)

	for _, pmt := range doc.Report.Payments {
		for _, tx := range pmt.Transactions {
			line++

			rec := Record{
				Line:       line,
				EndToEndID: strings.TrimSpace(tx.EndToEndID),
				Status:     strings.ToUpper(strings.TrimSpace(tx.Status)),
			}

			if len(tx.Reasons) > 0 {
				r := tx.Reasons[0]
				rec.ReasonCode = strings.TrimSpace(r.Code)

				if rec.ReasonCode == "" {
					rec.ReasonCode = strings.TrimSpace(r.Proprietary)
				}

				rec.ReasonText = strings.TrimSpace(strings.Join(r.Additional, " "))
			}

			if tx.Amount != nil && strings.TrimSpace(tx.Amount.Value) != "" {
				amount, err := money.ParsePositive(tx.Amount.Value)
				if err != nil {
					failures = append(failures, malformed(rec, err.Error()))
					continue
				}

				rec.Amount = amount
				rec.Currency = tx.Amount.Currency
			}

			if failure, ok := validate(rec); !ok {
				failures = append(failures, failure)
				continue
			}

			records = append(records, rec)
		}
	}

	return records, failures, nil
}

// ---------------------------------------------------------------------------
// CSV export: header row, then one record per line
// ---------------------------------------------------------------------------

const (
	colEndToEnd   = "end_to_end_id"
	colAmount     = "amount"
	colCurrency   = "currency"
	colReasonCode = "reason_code"
	colReasonText = "reason_text"
	colStatus     = "status"
)

func parseCSV(content []byte) ([]Record, []RecordFailure, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	// Dutch and German bank exports use ';' with a decimal comma.
	head := content[:min(len(content), 512)]
	if bytes.Count(head, []byte(";")) > bytes.Count(head, []byte(",")) {
		reader.Comma = ';'
	}

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrUnparseable, err)
	}

	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[strings.ToLower(strings.TrimSpace(h))] = i
	}

	if _, ok := columns[colEndToEnd]; !ok {
		return nil, nil, fmt.Errorf("%w: missing %s column", ErrUnparseable, colEndToEnd)
	}

	get := func(row []string, col string) string {
		i, ok := columns[col]
		if !ok || i >= len(row) {
			return ""
		}

		return strings.TrimSpace(row[i])
	}

	var (
		records  []Record
		failures []RecordFailure
	)

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			var line int

			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				line = parseErr.StartLine
			}

			failures = append(failures, RecordFailure{Line: line, Code: debitguard.CodeMalformedRecord, Reason: err.Error()})

			continue
		}

		line, _ := reader.FieldPos(0)

		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}

		rec := Record{
			Line:       line,
			EndToEndID: get(row, colEndToEnd),
			Status:     strings.ToUpper(get(row, colStatus)),
			Currency:   get(row, colCurrency),
			ReasonCode: get(row, colReasonCode),
			ReasonText: get(row, colReasonText),
		}

		if raw := get(row, colAmount); raw != "" {
			amount, err := money.ParsePositive(raw)
			if err != nil {
				failures = append(failures, malformed(rec, err.Error()))
				continue
			}

			rec.Amount = amount
		}

		if failure, ok := validate(rec); !ok {
			failures = append(failures, failure)
			continue
		}

		records = append(records, rec)
	}

	return records, failures, nil
}

func validate(rec Record) (RecordFailure, bool) {
	if rec.EndToEndID == "" {
		return malformed(rec, "end-to-end id is missing"), false
	}

	if rec.IsReturn() && rec.ReasonCode == "" {
		return malformed(rec, "reason code is missing"), false
	}

	return RecordFailure{}, true
}

func malformed(rec Record, reason string) RecordFailure {
	return RecordFailure{Line: rec.Line, EndToEndID: rec.EndToEndID, Code: debitguard.CodeMalformedRecord, Reason: reason}
}

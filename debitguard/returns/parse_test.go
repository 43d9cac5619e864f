//go:build unit

package returns

import (
	"testing"

	"github.com/LerianStudio/lib-debitguard/debitguard"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const painReport = `<?xml version="1.0" encoding="UTF-8"?>
<Document xmlns="urn:iso:std:iso:20022:tech:xsd:pain.002.001.03">
  <CstmrPmtStsRpt>
    <GrpHdr><MsgId>RPT-1</MsgId></GrpHdr>
    <OrgnlPmtInfAndSts>
      <OrgnlPmtInfId>BATCH-B1</OrgnlPmtInfId>
      <TxInfAndSts>
        <OrgnlEndToEndId>E2E-1</OrgnlEndToEndId>
        <TxSts>RJCT</TxSts>
        <StsRsnInf><Rsn><Cd>AM04</Cd></Rsn><AddtlInf>saldo ontoereikend</AddtlInf></StsRsnInf>
        <OrgnlTxRef><Amt><InstdAmt Ccy="EUR">25.00</InstdAmt></Amt></OrgnlTxRef>
      </TxInfAndSts>
      <TxInfAndSts>
        <OrgnlEndToEndId>E2E-2</OrgnlEndToEndId>
        <TxSts>RJCT</TxSts>
        <StsRsnInf><Rsn><Cd>MD01</Cd></Rsn></StsRsnInf>
      </TxInfAndSts>
      <TxInfAndSts>
        <OrgnlEndToEndId>E2E-3</OrgnlEndToEndId>
        <TxSts>ACCP</TxSts>
      </TxInfAndSts>
      <TxInfAndSts>
        <TxSts>RJCT</TxSts>
        <StsRsnInf><Rsn><Cd>AC04</Cd></Rsn></StsRsnInf>
      </TxInfAndSts>
    </OrgnlPmtInfAndSts>
  </CstmrPmtStsRpt>
</Document>`

func TestParsePain002(t *testing.T) {
	t.Parallel()

	format, records, failures, err := Parse([]byte(painReport))
	require.NoError(t, err)
	assert.Equal(t, FormatPain002, format)

	require.Len(t, records, 3)
	assert.Equal(t, "E2E-1", records[0].EndToEndID)
	assert.Equal(t, "AM04", records[0].ReasonCode)
	assert.Equal(t, "saldo ontoereikend", records[0].ReasonText)
	assert.True(t, decimal.RequireFromString("25").Equal(records[0].Amount))
	assert.Equal(t, "EUR", records[0].Currency)
	assert.True(t, records[1].Amount.IsZero())
	assert.False(t, records[2].IsReturn())

	require.Len(t, failures, 1)
	assert.Equal(t, 4, failures[0].Line)
	assert.Equal(t, debitguard.CodeMalformedRecord, failures[0].Code)
}

func TestParseCSV(t *testing.T) {
	t.Parallel()

	content := "end_to_end_id,amount,reason_code,reason_text\n" +
		"E2E-1,25.00,AM04,insufficient funds\n" +
		"E2E-2,abc,MD01,\n" +
		",10.00,AC04,\n" +
		"\n" +
		"E2E-4,\"12,50\",MS02,\n"

	format, records, failures, err := Parse([]byte(content))
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, format)

	require.Len(t, records, 2)
	assert.Equal(t, "E2E-1", records[0].EndToEndID)
	assert.Equal(t, 2, records[0].Line)
	assert.Equal(t, "E2E-4", records[1].EndToEndID)
	assert.True(t, decimal.RequireFromString("12.50").Equal(records[1].Amount))

	require.Len(t, failures, 2)
	assert.Equal(t, "E2E-2", failures[0].EndToEndID)
	assert.Equal(t, 4, failures[1].Line)
	assert.Equal(t, 6, records[1].Line)
}

func TestParseCSVSemicolon(t *testing.T) {
	t.Parallel()

	content := "end_to_end_id;amount;reason_code;status\nE2E-1;25,00;AM04;RJCT\nE2E-2;5,00;;ACCP\n"

	_, records, failures, err := Parse([]byte(content))
	require.NoError(t, err)
	assert.Empty(t, failures)
	require.Len(t, records, 2)
	assert.True(t, records[0].IsReturn())
	assert.False(t, records[1].IsReturn())
}

func TestParseFileLevelErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		err     error
	}{
		{name: "empty", content: "  \n", err: ErrEmptyFile},
		{name: "broken xml", content: "<Document><CstmrPmtStsRpt>", err: ErrUnparseable},
		{name: "wrong xml document", content: "<Document><CstmrCdtTrfInitn/></Document>", err: ErrUnparseable},
		{name: "csv without end to end column", content: "id,amount\n1,2\n", err: ErrUnparseable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, _, err := Parse([]byte(tt.content))
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestReasonText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "insufficient funds", ReasonText("AM04"))
	assert.Empty(t, ReasonText("ZZ99"))
}

package ingest

import (
	"github.com/roach88/chunkledger/internal/ledger"
	"github.com/roach88/chunkledger/internal/record"
)

func ledgerEntry(data, owner string) ledger.Entry {
	return ledger.Entry{ContentID: record.ContentID([]byte(data)), Owner: owner}
}

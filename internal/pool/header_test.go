package pool

import (
	"strings"
	"testing"

	"github.com/bardlex/vrscpool/internal/job"
	"github.com/bardlex/vrscpool/internal/validation"
)

func testJob(t *testing.T, txCount int) *job.Job {
	t.Helper()
	tpl := testTemplate(100, 0x01)
	tpl.Transactions = nil
	for i := range txCount {
		tpl.Transactions = append(tpl.Transactions, testTemplate(100, byte(i)).Transactions[0])
	}
	j, err := job.NewRegistry(2).Create(tpl, true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return j
}

func TestBuildHeader(t *testing.T) {
	j := testJob(t, 1)
	share := &validation.Share{
		Time:     "78a9545a",
		Nonce:    strings.Repeat("11", 32),
		Solution: strings.Repeat("22", 1344),
	}

	header := buildHeader(j, share, "fd4005")

	// 4 + 32 + 32 + 32 + 4 + 4 + 32 + 3 + 1344 bytes
	if got, want := len(header), 2*(4+32+32+32+4+4+32+3+1344); got != want {
		t.Fatalf("header length = %d, want %d", got, want)
	}
	if !strings.HasPrefix(header, "00010004") {
		t.Errorf("header does not start with the version: %s", header[:8])
	}
	if got := header[8+64 : 8+128]; got != j.NotifyParams()[3] {
		t.Errorf("merkle root field = %s, want %v", got, j.NotifyParams()[3])
	}
	if got := header[8+192 : 8+192+8]; got != "78a9545a" {
		t.Errorf("time field = %s", got)
	}
	if got := header[8+200 : 8+208]; got != "4b2d0e1c" {
		t.Errorf("bits field = %s, want 4b2d0e1c", got)
	}
	if got := header[8+272 : 8+278]; got != "fd4005" {
		t.Errorf("solution size field = %s", got)
	}
}

func TestBuildBlockTransactionCount(t *testing.T) {
	tests := []struct {
		txs       int
		wantCount string
	}{
		{0, "01"},
		{1, "02"},
		{251, "fc"},
		{252, "fdfd00"},
		{300, "fd2d01"},
	}

	for _, tt := range tests {
		j := testJob(t, tt.txs)
		block, err := buildBlock(j, "aa")
		if err != nil {
			t.Fatalf("buildBlock() error = %v", err)
		}
		if !strings.HasPrefix(block, "aa"+tt.wantCount+j.CoinbaseData) {
			t.Errorf("%d txs: block starts %q, want count %s", tt.txs, block[:min(len(block), 16)], tt.wantCount)
		}
		if want := 2 + len(tt.wantCount) + len(j.CoinbaseData) + 4*tt.txs; len(block) != want {
			t.Errorf("%d txs: block length = %d, want %d", tt.txs, len(block), want)
		}
	}
}

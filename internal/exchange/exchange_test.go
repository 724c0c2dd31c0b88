package exchange

import (
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

func TestVenueSymbol(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"BTC/USDT": "BTCUSDT",
		"ETH/USDC": "ETHUSDC",
		"SOLUSDT":  "SOLUSDT",
	}
	for in, want := range cases {
		if got := VenueSymbol(in); got != want {
			t.Errorf("VenueSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseKline(t *testing.T) {
	t.Parallel()

	k := &binance.Kline{
		OpenTime: 1717200000000,
		Open:     "50000.10",
		High:     "50100.00",
		Low:      "49900.50",
		Close:    "50050.25",
		Volume:   "12.345",
	}
	c, err := parseKline(k)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Close.Equal(decimal.RequireFromString("50050.25")) {
		t.Errorf("close = %s", c.Close)
	}
	if c.OpenTime.Location() != time.UTC {
		t.Error("open time not UTC")
	}

	// A kline violating the OHLC invariant is rejected, not passed through.
	bad := &binance.Kline{OpenTime: 0, Open: "100", High: "90", Low: "80", Close: "95", Volume: "1"}
	if _, err := parseKline(bad); err == nil {
		t.Error("invalid OHLC accepted")
	}

	garbage := &binance.Kline{Open: "not-a-number", High: "1", Low: "1", Close: "1", Volume: "1"}
	if _, err := parseKline(garbage); err == nil {
		t.Error("unparseable kline accepted")
	}
}

func TestAverageFill(t *testing.T) {
	t.Parallel()

	fills := []*binance.Fill{
		{Price: "100", Quantity: "1", Commission: "0.1"},
		{Price: "110", Quantity: "3", Commission: "0.3"},
	}
	price, commission, err := averageFill(fills)
	if err != nil {
		t.Fatal(err)
	}
	// (100*1 + 110*3) / 4 = 107.5
	if !price.Equal(decimal.RequireFromString("107.5")) {
		t.Errorf("avg price = %s, want 107.5", price)
	}
	if !commission.Equal(decimal.RequireFromString("0.4")) {
		t.Errorf("commission = %s, want 0.4", commission)
	}

	price, _, err = averageFill(nil)
	if err != nil || !price.IsZero() {
		t.Errorf("empty fills: price = %s err = %v", price, err)
	}
}

func TestMapOrderStatus(t *testing.T) {
	t.Parallel()

	cases := map[binance.OrderStatusType]string{
		binance.OrderStatusTypeFilled:          "FILLED",
		binance.OrderStatusTypePartiallyFilled: "FILLED",
		binance.OrderStatusTypeCanceled:        "CANCELLED",
		binance.OrderStatusTypeRejected:        "CANCELLED",
		binance.OrderStatusTypeNew:             "PENDING",
	}
	for in, want := range cases {
		if got := mapOrderStatus(in); string(got) != want {
			t.Errorf("mapOrderStatus(%s) = %s, want %s", in, got, want)
		}
	}
}

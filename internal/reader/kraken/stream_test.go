package kraken

import "testing"

func TestParseTickerFrame(t *testing.T) {
	raw := `[340,{"a":["61001.0",1,"1.0"],"b":["61000.0",1,"1.0"],"c":["61000.50000","0.01"],"v":["100.0","2500.5"],"p":["1","2"],"t":[1,2],"l":["60500.0","59000.0"],"h":["61500.0","62000.0"],"o":["60800.0","60000.0"]},"ticker","XBT/USD"]`
	quotes, err := NewStream("").Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(quotes) != 1 {
		t.Fatalf("expected 1 quote, got %d", len(quotes))
	}
	q := quotes[0]
	if q.Native != "XBT/USD" || q.Price != 61000.5 {
		t.Fatalf("unexpected quote: %+v", q)
	}
	if q.High == nil || *q.High != 62000 || q.Low == nil || *q.Low != 59000 || q.Volume == nil || *q.Volume != 2500.5 {
		t.Fatalf("unexpected 24h fields: %+v", q)
	}
}

func TestParseIgnoresEvents(t *testing.T) {
	s := NewStream("")
	for _, raw := range []string{
		`{"event":"heartbeat"}`,
		`{"event":"systemStatus","status":"online"}`,
		`{"event":"subscriptionStatus","status":"subscribed","pair":"XBT/USD"}`,
		`[1,{"a":["1"]},"spread","XBT/USD"]`,
	} {
		quotes, err := s.Parse([]byte(raw))
		if err != nil || len(quotes) != 0 {
			t.Fatalf("expected %s to be ignored, got %v %v", raw, quotes, err)
		}
	}
	if _, err := s.Parse([]byte(`{"event":"subscriptionStatus","status":"error","errorMessage":"Currency pair not supported"}`)); err == nil {
		t.Fatal("expected subscription error")
	}
}

func TestSubscriptions(t *testing.T) {
	subs := NewStream("").Subscriptions([]string{"XBT/USD", "ETH/USD"})
	req, ok := subs[0].(subscribeRequest)
	if !ok || req.Event != "subscribe" || req.Subscription.Name != "ticker" || len(req.Pair) != 2 {
		t.Fatalf("unexpected subscription: %+v", subs)
	}
}

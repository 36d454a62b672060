package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/internal/models"
)

func TestInstrumentsFiltersAndNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tickers", r.URL.Path)
		assert.Equal(t, "Cryptocurrency", r.URL.Query().Get("category"))
		_, _ = w.Write([]byte(`[
			{"symbol":"btcusdt","name":"Bitcoin","category":"Cryptocurrency"},
			{"symbol":"BTCUSDT","category":"Cryptocurrency"},
			{"symbol":"AAPL","category":"Stock"},
			{"symbol":"XYZ","category":"Unknown"},
			{"symbol":"ETHUSDT","category":"Cryptocurrency"}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", 0, nil)
	got, err := c.Instruments(context.Background(), models.CategoryCryptocurrency)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.Equal(t, "Bitcoin", got[0].Name)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, Symbols(got))
}

func TestInstrumentsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 0, nil).Instruments(context.Background(), models.CategoryStock)
	require.ErrorIs(t, err, ErrUnavailable)

	srv.Close()
	_, err = NewClient(srv.URL, 0, nil).Instruments(context.Background(), models.CategoryStock)
	require.ErrorIs(t, err, ErrUnavailable)
}

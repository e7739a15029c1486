package sqlutil

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/sqlc-dev/pqtype"
	"github.com/stretchr/testify/assert"
)

func TestTimeConversions(t *testing.T) {
	assert.False(t, ToSqlTime(nil).Valid)
	assert.Nil(t, FromSqlTime(sql.NullTime{}))

	at := time.Date(2026, 5, 9, 12, 0, 0, 0, time.FixedZone("ICT", 7*3600))
	got := FromSqlTime(ToSqlTime(&at))
	if assert.NotNil(t, got) {
		assert.True(t, at.Equal(*got))
		assert.Equal(t, time.UTC, got.Location())
	}
}

func TestRawMessageConversions(t *testing.T) {
	assert.Equal(t, json.RawMessage("null"), FromNullRawMessage(pqtype.NullRawMessage{}))

	doc := json.RawMessage(`{"team":7}`)
	assert.Equal(t, doc, FromNullRawMessage(pqtype.NullRawMessage{RawMessage: doc, Valid: true}))
}

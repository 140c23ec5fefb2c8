package dbutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebindToQuestion(t *testing.T) {
	assert.Equal(t, "SELECT * FROM runs WHERE id = ? AND status = ?",
		RebindToQuestion("SELECT * FROM runs WHERE id = $1 AND status = $2"))
	assert.Equal(t, "no params", RebindToQuestion("no params"))
}

func TestStripPgCasts(t *testing.T) {
	assert.Equal(t, "UPDATE jobs SET status = $1 WHERE id = $2",
		StripPgCasts("UPDATE jobs SET status = $1::varchar WHERE id = $2::text"))
}

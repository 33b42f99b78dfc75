package dbx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBindDollar(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no params", "SELECT 1", "SELECT 1"},
		{"sequential", "UPDATE t SET a=?, b=? WHERE id=?", "UPDATE t SET a=$1, b=$2 WHERE id=$3"},
		{"quoted literal", "SELECT '?' FROM t WHERE id=?", "SELECT '?' FROM t WHERE id=$1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BindDollar(tt.in))
		})
	}
}

func TestBindQuestion(t *testing.T) {
	assert.Equal(t, "SELECT ? ", BindQuestion("SELECT ? "))
}

package worker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestArrayLiteral(t *testing.T) {
	a, b := uuid.NewString(), uuid.NewString()

	lit, err := arrayLiteral([]string{a, b})
	require.NoError(t, err)
	require.Equal(t, "{"+a+","+b+"}", lit)

	_, err = arrayLiteral([]string{a, "not-a-uuid"})
	require.Error(t, err)
}

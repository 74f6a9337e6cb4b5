package msgif

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

type podMessage struct {
	Seq   uint64
	Gain  float64
	Flags [4]uint32
	Live  bool
}

type nestedPod struct {
	Inner podMessage
	Extra int32
	Pad   int32
}

func TestPlainCodecPOD(t *testing.T) {
	c, err := Plain[podMessage](3)
	require.NoError(t, err)
	require.Equal(t, int(unsafe.Sizeof(podMessage{})), c.Width())
	require.Equal(t, uint16(3), c.Version())

	_, err = Plain[nestedPod](1)
	require.NoError(t, err)
}

func TestPlainCodecRoundtrip(t *testing.T) {
	c, err := Plain[podMessage](1)
	require.NoError(t, err)

	in := podMessage{Seq: 42, Gain: 2.5, Flags: [4]uint32{1, 2, 3, 4}, Live: true}
	buf := make([]byte, c.Width())
	require.NoError(t, c.Encode(buf, &in))

	var out podMessage
	require.NoError(t, c.Decode(buf, &out))
	require.Equal(t, in, out)
}

func TestPlainCodecSizeChecks(t *testing.T) {
	c, err := Plain[podMessage](1)
	require.NoError(t, err)

	var v podMessage
	require.Error(t, c.Encode(make([]byte, c.Width()-1), &v))
	require.Error(t, c.Decode(make([]byte, c.Width()+1), &v))
}

func TestPlainRejectsNonPOD(t *testing.T) {
	type withString struct{ S string }
	type withSlice struct{ B []byte }
	type withPointer struct{ P *int }
	type withMap struct{ M map[int]int }
	type withNested struct {
		OK  uint32
		Bad struct{ C chan int }
	}

	_, err := Plain[withString](1)
	require.Error(t, err)
	_, err = Plain[withSlice](1)
	require.Error(t, err)
	_, err = Plain[withPointer](1)
	require.Error(t, err)
	_, err = Plain[withMap](1)
	require.Error(t, err)
	_, err = Plain[withNested](1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Bad.C")
}

func TestPlainRejectsZeroSize(t *testing.T) {
	type empty struct{}
	_, err := Plain[empty](1)
	require.Error(t, err)
}

func TestMustPlainPanicsOnBadType(t *testing.T) {
	type withFunc struct{ F func() }
	require.Panics(t, func() { MustPlain[withFunc](1) })
	require.NotPanics(t, func() { MustPlain[podMessage](1) })
}

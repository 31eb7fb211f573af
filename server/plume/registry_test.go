package plume

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryAddMatch(t *testing.T) {
	reg := newRegistry()
	out1 := &outbound{}
	out2 := &outbound{}

	reg.add(&subEntry{out: out1, sid: "1", subject: "orders"})
	reg.add(&subEntry{out: out2, sid: "7", subject: "orders"})
	reg.add(&subEntry{out: out2, sid: "8", subject: "billing"})

	assert.Len(t, reg.match("orders"), 2)
	assert.Len(t, reg.match("billing"), 1)
	assert.Nil(t, reg.match("orders.eu"))
	assert.Equal(t, 3, reg.count())
}

func TestRegistryMatchIsExact(t *testing.T) {
	reg := newRegistry()
	reg.add(&subEntry{out: &outbound{}, sid: "1", subject: "orders"})

	assert.Nil(t, reg.match("Orders"))
	assert.Nil(t, reg.match("order"))
}

func TestRegistryDropOutbound(t *testing.T) {
	reg := newRegistry()
	out1 := &outbound{}
	out2 := &outbound{}

	reg.add(&subEntry{out: out1, sid: "1", subject: "orders"})
	reg.add(&subEntry{out: out2, sid: "2", subject: "orders"})
	reg.add(&subEntry{out: out1, sid: "3", subject: "billing"})

	reg.dropOutbound(out1)

	assert.Len(t, reg.match("orders"), 1)
	assert.Equal(t, "2", reg.match("orders")[0].sid)
	assert.Nil(t, reg.match("billing"))
	assert.Equal(t, 1, reg.count())
}

// Package datasetstest runs dataset contract checks from tests.
package datasetstest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/xtime/datasets"
)

// Case is one dataset configuration with the contract it must satisfy.
type Case struct {
	Config   string
	Contract datasets.Contract
}

// Standard declares that configuration config satisfies contract.
func Standard(config string, contract datasets.Contract) Case {
	return Case{Config: config, Contract: contract}
}

// Run builds every case with b and checks it in its own subtest. name is the
// dataset name the metadata must carry.
func Run(t *testing.T, name string, b datasets.Builder, cases ...Case) {
	t.Helper()

	require.NotEmpty(t, cases, "no dataset configurations declared")

	for _, c := range cases {
		c := c
		t.Run(c.Config, func(t *testing.T) {
			require.Contains(t, b.Configs(), c.Config)

			ds, err := b.Build(context.Background(), c.Config)
			require.NoError(t, err)
			require.NotNil(t, ds)

			require.Equal(t, name, ds.Metadata.Name)
			require.Equal(t, c.Config, ds.Metadata.Version)
			require.NoError(t, datasets.Check(ds, c.Contract))
		})
	}
}

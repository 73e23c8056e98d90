package terraform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseResult_Apply(t *testing.T) {
	out := `
aws_vpc.main: Creation complete after 2s [id=vpc-0abc]

Apply complete! Resources: 3 added, 1 changed, 0 destroyed.
`
	res := parseResult(out)
	assert.Equal(t, 3, res.Added)
	assert.Equal(t, 1, res.Changed)
	assert.Equal(t, 0, res.Destroyed)
	assert.Equal(t, out, res.Output)
}

func TestParseResult_Destroy(t *testing.T) {
	out := `
aws_vpc.main: Destruction complete after 1s

Destroy complete! Resources: 12 destroyed.
`
	res := parseResult(out)
	assert.Equal(t, 12, res.Destroyed)
	assert.Zero(t, res.Added)
}

func TestParseResult_NoSummary(t *testing.T) {
	res := parseResult("Error: something went wrong")
	assert.Zero(t, res.Added)
	assert.Zero(t, res.Destroyed)
	assert.Contains(t, res.Output, "went wrong")
}

func TestVarArgs(t *testing.T) {
	c := NewCLI("/tmp/env")
	c.VarFile = "core.tfvars"
	c.Vars = map[string]string{"region": "eu-west-1"}

	args := c.varArgs()
	assert.Contains(t, args, "-var-file=core.tfvars")
	assert.Contains(t, args, "-var=region=eu-west-1")
}

package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassification_Allowed(t *testing.T) {
	assert.Equal(t, []Classification{Public}, Public.Allowed())
	assert.Equal(t, []Classification{Public, Internal}, Internal.Allowed())
	assert.Equal(t, []Classification{Public, Internal, Confidential}, Confidential.Allowed())
	assert.Equal(t, []Classification{Public}, Classification("secret").Allowed())
}

func TestParseClassification(t *testing.T) {
	c, err := ParseClassification(" Confidential ")
	require.NoError(t, err)
	assert.Equal(t, Confidential, c)

	_, err = ParseClassification("top-secret")
	assert.Error(t, err)
}

func TestClassificationCap(t *testing.T) {
	assert.Equal(t, Confidential, ClassificationCap(false, true), "step-up alone unlocks confidential")
	assert.Equal(t, Confidential, ClassificationCap(true, true))
	assert.Equal(t, Internal, ClassificationCap(true, false))
	assert.Equal(t, Public, ClassificationCap(false, false))
}

func TestDocumentTags(t *testing.T) {
	tests := []struct {
		name   string
		cls    Classification
		roles  []string
		tenant string
		want   []string
	}{
		{
			name:   "confidential keeps only named roles",
			cls:    Confidential,
			roles:  []string{"hr.admin"},
			tenant: "acme",
			want:   []string{"classification:confidential", "role:hr.admin", "tenant:acme"},
		},
		{
			name:  "internal adds employee",
			cls:   Internal,
			roles: []string{"finance.viewer"},
			want:  []string{"classification:internal", "role:finance.viewer", "role:employee"},
		},
		{
			name:  "public adds public once",
			cls:   Public,
			roles: []string{"public", " "},
			want:  []string{"classification:public", "role:public"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DocumentTags(tt.cls, tt.roles, tt.tenant))
		})
	}
}

func TestAccessFilter_Accessors(t *testing.T) {
	f := AccessFilter{
		AllowTags:         []string{"role:hr.admin", "role:employee", "tenant:acme"},
		MaxClassification: Internal,
	}
	assert.Equal(t, []string{"hr.admin", "employee"}, f.Roles())
	assert.Equal(t, []string{"tenant:acme"}, f.TenantTags())
	assert.Equal(t, Internal, ClassificationOf([]string{"role:x", "classification:internal"}))
}

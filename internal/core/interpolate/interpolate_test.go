package interpolate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Expand Tests
// =============================================================================

func TestExpand_PlainText(t *testing.T) {
	result, err := Expand("no variables here", MapLookup(nil))
	require.NoError(t, err)
	assert.Equal(t, "no variables here", result)
}

func TestExpand_SimpleForm(t *testing.T) {
	lookup := MapLookup(map[string]string{"TAG": "v1.2"})
	result, err := Expand("nginx:$TAG", lookup)
	require.NoError(t, err)
	assert.Equal(t, "nginx:v1.2", result)
}

func TestExpand_BracedForm(t *testing.T) {
	lookup := MapLookup(map[string]string{"IMAGE": "nginx", "TAG": "alpine"})
	result, err := Expand("${IMAGE}:${TAG}", lookup)
	require.NoError(t, err)
	assert.Equal(t, "nginx:alpine", result)
}

func TestExpand_UnsetVariableIsEmpty(t *testing.T) {
	result, err := Expand("a${MISSING}b", MapLookup(nil))
	require.NoError(t, err)
	assert.Equal(t, "ab", result)
}

func TestExpand_EscapedDollar(t *testing.T) {
	lookup := MapLookup(map[string]string{"HOME": "/root"})
	result, err := Expand("cost is $$5 in $$HOME not $HOME", lookup)
	require.NoError(t, err)
	assert.Equal(t, "cost is $5 in $HOME not /root", result)
}

func TestExpand_LoneDollarKeptVerbatim(t *testing.T) {
	result, err := Expand("price: 5$ and $ alone and $1", MapLookup(nil))
	require.NoError(t, err)
	assert.Equal(t, "price: 5$ and $ alone and $1", result)
}

func TestExpand_TrailingDollar(t *testing.T) {
	result, err := Expand("end$", MapLookup(nil))
	require.NoError(t, err)
	assert.Equal(t, "end$", result)
}

func TestExpand_SimpleFormStopsAtNonNameChar(t *testing.T) {
	lookup := MapLookup(map[string]string{"USER": "alice"})
	result, err := Expand("$USER.home", lookup)
	require.NoError(t, err)
	assert.Equal(t, "alice.home", result)
}

// -----------------------------------------------------------------------------
// Default modifiers
// -----------------------------------------------------------------------------

func TestExpand_DefaultWhenUnset(t *testing.T) {
	result, err := Expand("${PORT:-8080}", MapLookup(nil))
	require.NoError(t, err)
	assert.Equal(t, "8080", result)
}

func TestExpand_ColonDashUsesDefaultForEmpty(t *testing.T) {
	lookup := MapLookup(map[string]string{"PORT": ""})
	result, err := Expand("${PORT:-8080}", lookup)
	require.NoError(t, err)
	assert.Equal(t, "8080", result)
}

func TestExpand_DashKeepsEmptyValue(t *testing.T) {
	lookup := MapLookup(map[string]string{"PORT": ""})
	result, err := Expand("${PORT-8080}", lookup)
	require.NoError(t, err)
	assert.Equal(t, "", result)
}

func TestExpand_DefaultNotUsedWhenSet(t *testing.T) {
	lookup := MapLookup(map[string]string{"PORT": "9090"})
	result, err := Expand("${PORT:-8080}", lookup)
	require.NoError(t, err)
	assert.Equal(t, "9090", result)
}

func TestExpand_NestedDefault(t *testing.T) {
	lookup := MapLookup(map[string]string{"FALLBACK": "last-resort"})
	result, err := Expand("${FIRST:-${FALLBACK:-none}}", lookup)
	require.NoError(t, err)
	assert.Equal(t, "last-resort", result)
}

func TestExpand_DefaultContainsColon(t *testing.T) {
	result, err := Expand("${ADDR:-0.0.0.0:8080}", MapLookup(nil))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", result)
}

// -----------------------------------------------------------------------------
// Required modifiers
// -----------------------------------------------------------------------------

func TestExpand_RequiredUnsetFails(t *testing.T) {
	_, err := Expand("${DB_PASSWORD:?database password is required}", MapLookup(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequiredVariable)
	assert.Contains(t, err.Error(), "database password is required")
	assert.Contains(t, err.Error(), "DB_PASSWORD")
}

func TestExpand_ColonQuestionRejectsEmpty(t *testing.T) {
	lookup := MapLookup(map[string]string{"TOKEN": ""})
	_, err := Expand("${TOKEN:?}", lookup)
	assert.ErrorIs(t, err, ErrRequiredVariable)
}

func TestExpand_QuestionAcceptsEmpty(t *testing.T) {
	lookup := MapLookup(map[string]string{"TOKEN": ""})
	result, err := Expand("${TOKEN?}", lookup)
	require.NoError(t, err)
	assert.Equal(t, "", result)
}

func TestExpand_RequiredSetSucceeds(t *testing.T) {
	lookup := MapLookup(map[string]string{"TOKEN": "abc"})
	result, err := Expand("${TOKEN:?missing}", lookup)
	require.NoError(t, err)
	assert.Equal(t, "abc", result)
}

// -----------------------------------------------------------------------------
// Alternate modifiers
// -----------------------------------------------------------------------------

func TestExpand_AlternateWhenSet(t *testing.T) {
	lookup := MapLookup(map[string]string{"DEBUG": "1"})
	result, err := Expand("${DEBUG:+--verbose}", lookup)
	require.NoError(t, err)
	assert.Equal(t, "--verbose", result)
}

func TestExpand_AlternateWhenUnset(t *testing.T) {
	result, err := Expand("${DEBUG:+--verbose}", MapLookup(nil))
	require.NoError(t, err)
	assert.Equal(t, "", result)
}

func TestExpand_PlusAlternateForEmptyValue(t *testing.T) {
	lookup := MapLookup(map[string]string{"DEBUG": ""})

	// ":+" treats empty as unset, "+" does not.
	result, err := Expand("${DEBUG:+yes}", lookup)
	require.NoError(t, err)
	assert.Equal(t, "", result)

	result, err = Expand("${DEBUG+yes}", lookup)
	require.NoError(t, err)
	assert.Equal(t, "yes", result)
}

// -----------------------------------------------------------------------------
// Malformed expressions
// -----------------------------------------------------------------------------

func TestExpand_UnclosedBrace(t *testing.T) {
	_, err := Expand("${PORT", MapLookup(nil))
	assert.ErrorIs(t, err, ErrBadSubstitution)
}

func TestExpand_EmptyBraces(t *testing.T) {
	_, err := Expand("${}", MapLookup(nil))
	assert.ErrorIs(t, err, ErrBadSubstitution)
}

func TestExpand_InvalidOperator(t *testing.T) {
	_, err := Expand("${VAR%foo}", MapLookup(nil))
	assert.ErrorIs(t, err, ErrBadSubstitution)
}

func TestExpand_Idempotent(t *testing.T) {
	lookup := MapLookup(map[string]string{"A": "plain"})
	once, err := Expand("x-${A}-$B-$$", lookup)
	require.NoError(t, err)
	twice, err := Expand(once, lookup)
	require.NoError(t, err)

	// A result without references passes through unchanged except that the
	// escaped dollar was already consumed in the first pass.
	assert.Equal(t, "x-plain--$", once)
	assert.Equal(t, once, twice)
}

// =============================================================================
// Tree Tests
// =============================================================================

func TestTree_ExpandsNestedLeaves(t *testing.T) {
	lookup := MapLookup(map[string]string{"TAG": "1.25", "PORT": "8080"})
	tree := map[string]any{
		"services": map[string]any{
			"web": map[string]any{
				"image": "nginx:${TAG}",
				"ports": []any{
					map[string]any{"published": "${PORT}", "target": "80"},
				},
			},
		},
	}

	result, err := Tree(tree, lookup)
	require.NoError(t, err)

	web := result["services"].(map[string]any)["web"].(map[string]any)
	assert.Equal(t, "nginx:1.25", web["image"])
	port := web["ports"].([]any)[0].(map[string]any)
	assert.Equal(t, "8080", port["published"])
}

func TestTree_PreservesNonStringLeaves(t *testing.T) {
	tree := map[string]any{"environment": map[string]any{"PASSTHROUGH": nil}}
	result, err := Tree(tree, MapLookup(nil))
	require.NoError(t, err)
	assert.Nil(t, result["environment"].(map[string]any)["PASSTHROUGH"])
}

func TestTree_ErrorCarriesLocation(t *testing.T) {
	tree := map[string]any{
		"services": map[string]any{
			"db": map[string]any{"image": "${IMAGE:?image required}"},
		},
	}

	_, err := Tree(tree, MapLookup(nil))
	require.Error(t, err)

	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "services.db.image", ie.Field)
	assert.Equal(t, "IMAGE", ie.Variable)
}

func TestTree_DoesNotMutateInput(t *testing.T) {
	lookup := MapLookup(map[string]string{"TAG": "2"})
	tree := map[string]any{"image": "app:${TAG}"}

	_, err := Tree(tree, lookup)
	require.NoError(t, err)
	assert.Equal(t, "app:${TAG}", tree["image"])
}

func TestTree_DeterministicFirstError(t *testing.T) {
	tree := map[string]any{
		"b": "${MISSING_B:?b}",
		"a": "${MISSING_A:?a}",
	}

	// Sorted traversal means "a" always fails first.
	for i := 0; i < 5; i++ {
		_, err := Tree(tree, MapLookup(nil))
		var ie *Error
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "MISSING_A", ie.Variable)
	}
}

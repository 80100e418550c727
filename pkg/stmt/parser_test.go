package stmt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tbl := []struct {
		name     string
		template string
		sql      string
		binds    []string
		literals []bool
	}{
		{"no markers", "select * from emp", "select * from emp", nil, nil},
		{"single param", "select * from emp where id = :ID", "select * from emp where id = ?",
			[]string{"id"}, []bool{false}},
		{"param and literal", "select * from &Tbl where a=:a and b in (:b_1, :B_1)",
			"select * from ? where a=? and b in (?, ?)",
			[]string{"tbl", "a", "b_1", "b_1"}, []bool{true, false, false, false}},
		{"word char before marker", "select x:y from t", "select x:y from t", nil, nil},
		{"digit before marker", "select 1:y from t", "select 1:y from t", nil, nil},
		{"postgres cast", "select id::text from t where a = :a", "select id::text from t where a = ?",
			[]string{"a"}, []bool{false}},
		{"sigil after sigil", "select a &&b, c :&d", "select a &&b, c :&d", nil, nil},
		{"email like", "select 'a@b:c' , mail&x from t", "select 'a@b:c' , mail&x from t", nil, nil},
		{"quoted marker", "select ':a' from t where b = :b", "select ':a' from t where b = ?",
			[]string{"b"}, []bool{false}},
		{"assignment", "begin x := :v; end", "begin x := ?; end", []string{"v"}, []bool{false}},
		{"positional", "select :1, :2", "select ?, ?", []string{"1", "2"}, []bool{false, false}},
		{"marker at end", "where a=(:a)", "where a=(?)", []string{"a"}, []bool{false}},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			p := Parse(tt.template)
			assert.Equal(t, tt.sql, p.Snippet)
			require.Equal(t, len(tt.binds), len(p.Binds))
			assert.Equal(t, len(p.Binds), Placeholders(p.Snippet))
			for i, b := range p.Binds {
				assert.Equal(t, tt.binds[i], b.Name)
				assert.Equal(t, tt.literals[i], b.Literal)
				assert.Equal(t, byte('?'), p.Snippet[b.Position], "position of %s", b.Name)
			}
		})
	}
}

func TestParse_PlaceholdersInOrder(t *testing.T) {
	p := Parse("insert into t (a,b,c) values (:c, :A, :b)")
	assert.Equal(t, []string{"c", "a", "b"}, p.Names())
	assert.Equal(t, 3, Placeholders(p.Snippet))
	assert.True(t, p.Binds[0].Position < p.Binds[1].Position)
	assert.True(t, p.Binds[1].Position < p.Binds[2].Position)
}

package reference

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/customs-cli/internal/model"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) ReplaceCandidates(ctx context.Context, country, referenceType string, candidates []model.ReferenceCandidate) error {
	return m.Called(ctx, country, referenceType, candidates).Error(0)
}

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				row.AddCell().SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "codes.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Codes": {
			{"Country", "Reference_Type", "Code", "Label", "Local_Matches", "Position"},
			{"KY", "country", "US", "United States", "usa; united states", "2"},
			{"", "", "", "", "", ""},
			{"KY", "country", "BR", "Brazil", "brasil|brazil", "1"},
		},
	})

	got, err := ReadXLSX(path, XLSXOptions{SheetName: "Codes"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.ReferenceCandidate{
		Country: "KY", ReferenceType: "country", Code: "US", Label: "United States",
		LocalMatches: []string{"usa", "united states"}, Position: 2,
	}, got[0])
	assert.Equal(t, []string{"brasil", "brazil"}, got[1].LocalMatches)
}

func TestReadXLSX_Errors(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{"Sheet1": {{"code"}}})

	_, err := ReadXLSX(path, XLSXOptions{SheetName: "Nope"})
	assert.ErrorContains(t, err, "not found")

	_, err = ReadXLSX(path, XLSXOptions{SheetIndex: 3})
	assert.ErrorContains(t, err, "out of range")

	_, err = ReadXLSX(path, XLSXOptions{})
	assert.ErrorContains(t, err, "missing column")

	_, err = ReadXLSX(filepath.Join(t.TempDir(), "missing.xlsx"), XLSXOptions{})
	assert.Error(t, err)
}

func TestParseRows_BadPosition(t *testing.T) {
	_, err := ParseRows([][]string{{"country", "reference_type", "code", "position"}, {"KY", "port", "GCM", "first"}})
	assert.ErrorContains(t, err, "row 2 position")

	_, err = ParseRows(nil)
	assert.Error(t, err)
}

func TestParseYAML(t *testing.T) {
	doc := `
lists:
  - country: KY
    reference_type: country
    candidates:
      - {code: US, label: United States, local_matches: [usa, united states]}
      - {code: BR, label: Brazil}
  - country: KY
    reference_type: port
    candidates:
      - {code: GCM, label: George Town, position: 5}
`
	got, err := ParseYAML(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "KY", got[0].Country)
	assert.Equal(t, "country", got[0].ReferenceType)
	assert.Equal(t, []string{"usa", "united states"}, got[0].LocalMatches)
	assert.Equal(t, "port", got[2].ReferenceType)
	assert.Equal(t, 5, got[2].Position)

	_, err = ParseYAML(strings.NewReader("lists: ["))
	assert.Error(t, err)
}

func TestSave_GroupsAndOrders(t *testing.T) {
	w := new(mockWriter)
	w.On("ReplaceCandidates", mock.Anything, "KY", "country", []model.ReferenceCandidate{
		{Country: "KY", ReferenceType: "country", Code: "BR", Position: 1, LocalMatches: []string{}},
		{Country: "KY", ReferenceType: "country", Code: "US", Position: 2, LocalMatches: []string{"usa"}},
	}).Return(nil).Once()
	w.On("ReplaceCandidates", mock.Anything, "KY", "port", mock.Anything).Return(nil).Once()

	sum, err := Save(context.Background(), w, []model.ReferenceCandidate{
		{Country: "KY", ReferenceType: "country", Code: " US ", Position: 2, LocalMatches: []string{" usa ", ""}},
		{Country: "KY", ReferenceType: "port", Code: "GCM"},
		{Country: "KY", ReferenceType: "country", Code: "BR", Position: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, Summary{Lists: 2, Candidates: 3}, sum)
	w.AssertExpectations(t)
}

func TestSave_Validation(t *testing.T) {
	w := new(mockWriter)

	_, err := Save(context.Background(), w, []model.ReferenceCandidate{{Country: "KY", ReferenceType: "country", Code: "US"}, {Country: "KY", ReferenceType: "country", Code: "US"}})
	assert.ErrorContains(t, err, "duplicate code")

	_, err = Save(context.Background(), w, []model.ReferenceCandidate{{Country: "KY", ReferenceType: "country"}})
	assert.ErrorContains(t, err, "no code")

	_, err = Save(context.Background(), w, []model.ReferenceCandidate{{Code: "US"}})
	assert.ErrorContains(t, err, "required")

	w.AssertNotCalled(t, "ReplaceCandidates", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSave_WriterError(t *testing.T) {
	w := new(mockWriter)
	w.On("ReplaceCandidates", mock.Anything, "KY", "country", mock.Anything).Return(errors.New("db down"))

	sum, err := Save(context.Background(), w, []model.ReferenceCandidate{{Country: "KY", ReferenceType: "country", Code: "US"}})
	assert.ErrorContains(t, err, "db down")
	assert.Equal(t, 0, sum.Lists)
}

package visit

import (
	"testing"
	"time"

	"github.com/hyperifyio/koteria/internal/segment"
)

func str(p *string) string {
	if p == nil {
		return "<nil>"
	}
	return *p
}

func TestExtract_EnglishSection(t *testing.T) {
	h := segment.Header{Timestamp: "02/01/2025 09:07", Kind: segment.KindVisitEN}
	lines := []string{"Owner: Jane Doe", "Tel.: 555-1234"}
	r := Extract(h, lines)

	if str(r.OwnerName) != "Jane Doe" {
		t.Fatalf("owner = %q", str(r.OwnerName))
	}
	if str(r.OwnerPhone) != "555-1234" {
		t.Fatalf("phone = %q", str(r.OwnerPhone))
	}
	if r.Recommendations != "" {
		t.Fatalf("recommendations = %q, want empty", r.Recommendations)
	}
	if r.OwnerEmail != nil || r.PatientName != nil || r.PatientID != nil || r.MicrochipID != nil {
		t.Fatalf("expected absent fields, got %+v", r)
	}
	want := time.Date(2025, 1, 2, 9, 7, 0, 0, time.UTC)
	if !r.VisitTimestamp.Parsed || !r.VisitTimestamp.Time.Equal(want) {
		t.Fatalf("timestamp = %+v, want %v", r.VisitTimestamp, want)
	}
	if r.VisitKind != "Visit" {
		t.Fatalf("kind = %q", r.VisitKind)
	}
}

func TestExtract_PolishSection(t *testing.T) {
	h := segment.Header{Timestamp: "15/03/2024 16:40", Kind: segment.KindExamination}
	lines := []string{
		"Właściciel: Jan Kowalski",
		"Tel.: 600 100 200",
		"E-mail: jan@example.pl",
		"Zwierzę: Burek Nr: 1234",
		"Gatunek: pies",
		"Rasa: mieszaniec",
		"Płeć: samiec",
		"Wiek: 7 lat",
		"Mikrochip: 616093900123456",
		"_Szczepienie przeciw wściekliźnie",
		"__Odrobaczanie",
		"Metacam 1,5 ml",
		"Zalecenia:",
		"Kontrola za 2 tygodnie",
		"Dieta lekkostrawna",
	}
	r := Extract(h, lines)

	checks := map[string]struct{ got, want string }{
		"owner":     {str(r.OwnerName), "Jan Kowalski"},
		"phone":     {str(r.OwnerPhone), "600 100 200"},
		"email":     {str(r.OwnerEmail), "jan@example.pl"},
		"name":      {str(r.PatientName), "Burek"},
		"id":        {str(r.PatientID), "1234"},
		"species":   {str(r.Species), "pies"},
		"breed":     {str(r.Breed), "mieszaniec"},
		"sex":       {str(r.Sex), "samiec"},
		"age":       {str(r.Age), "7 lat"},
		"microchip": {str(r.MicrochipID), "616093900123456"},
	}
	for field, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", field, c.got, c.want)
		}
	}
	if r.Procedures != "_Szczepienie przeciw wściekliźnie __Odrobaczanie" {
		t.Errorf("procedures = %q", r.Procedures)
	}
	if r.Medications != "Metacam 1,5 ml" {
		t.Errorf("medications = %q", r.Medications)
	}
	if r.Recommendations != "Kontrola za 2 tygodnie Dieta lekkostrawna" {
		t.Errorf("recommendations = %q", r.Recommendations)
	}
}

func TestExtract_MojibakeLabels(t *testing.T) {
	// UTF-8 "Właściciel" and "Płeć" read as ISO-8859-2.
	lines := []string{
		"WĹ\u0082aĹ\u009bciciel: Anna",
		"PĹ\u0082eÄ\u0087: samica",
	}
	r := Extract(segment.Header{Timestamp: "01/02/2025 08:00", Kind: "Wizyta"}, lines)
	if str(r.OwnerName) != "Anna" {
		t.Fatalf("owner = %q", str(r.OwnerName))
	}
	if str(r.Sex) != "samica" {
		t.Fatalf("sex = %q", str(r.Sex))
	}
}

func TestExtract_FirstMatchWins(t *testing.T) {
	lines := []string{"Rasa: pers", "Rasa: syjam"}
	r := Extract(segment.Header{Timestamp: "01/02/2025 08:00", Kind: "Wizyta"}, lines)
	if str(r.Breed) != "pers" {
		t.Fatalf("breed = %q", str(r.Breed))
	}
}

func TestExtract_LabelWithoutSeparatorIsSkipped(t *testing.T) {
	lines := []string{"Wiek nieznany", "Wiek: 2 lata"}
	r := Extract(segment.Header{Timestamp: "01/02/2025 08:00", Kind: "Wizyta"}, lines)
	if str(r.Age) != "2 lata" {
		t.Fatalf("age = %q", str(r.Age))
	}
}

func TestExtract_PatientLineWithoutNumber(t *testing.T) {
	lines := []string{"Zwierzę: Mruczek"}
	r := Extract(segment.Header{Timestamp: "01/02/2025 08:00", Kind: "Wizyta"}, lines)
	if r.PatientName != nil || r.PatientID != nil {
		t.Fatalf("expected both absent, got %q/%q", str(r.PatientName), str(r.PatientID))
	}
}

func TestExtract_RecommendationsStopAtTimestampLine(t *testing.T) {
	lines := []string{
		"Zalecenia:",
		"Podawać lek rano",
		"03/01/2025 10:00: Wizyta",
		"Not a recommendation",
	}
	r := Extract(segment.Header{Timestamp: "02/01/2025 09:07", Kind: "Wizyta"}, lines)
	if r.Recommendations != "Podawać lek rano" {
		t.Fatalf("recommendations = %q", r.Recommendations)
	}
}

func TestExtract_RecommendationsMarkerMustBeExact(t *testing.T) {
	lines := []string{"Zalecenia: brak", "tekst"}
	r := Extract(segment.Header{Timestamp: "02/01/2025 09:07", Kind: "Wizyta"}, lines)
	if r.Recommendations != "" {
		t.Fatalf("recommendations = %q, want empty", r.Recommendations)
	}
}

func TestExtract_ProceduresCollapseWhitespace(t *testing.T) {
	lines := []string{"_Zabieg\t\tusunięcia   kamienia", "tekst", "_Kontrola\r\n\tzębów"}
	r := Extract(segment.Header{Timestamp: "02/01/2025 09:07", Kind: "Wizyta"}, lines)
	if r.Procedures != "_Zabieg usunięcia kamienia _Kontrola zębów" {
		t.Fatalf("procedures = %q", r.Procedures)
	}
}

func TestExtract_MedicationsShape(t *testing.T) {
	lines := []string{
		"Metacam 1,5 ml",
		"Baytril 2.5ml",
		"metacam 1 ml",
		"Synulox 50 mg",
		"Catosal 10 ml s.c.",
	}
	r := Extract(segment.Header{Timestamp: "02/01/2025 09:07", Kind: "Wizyta"}, lines)
	if r.Medications != "Metacam 1,5 ml Baytril 2.5ml Catosal 10 ml s.c." {
		t.Fatalf("medications = %q", r.Medications)
	}
}

func TestExtract_EmptySection(t *testing.T) {
	r := Extract(segment.Header{Timestamp: "02/01/2025 09:07", Kind: "Badanie"}, nil)
	if r.Procedures != "" || r.Medications != "" || r.Recommendations != "" {
		t.Fatalf("collected fields should be empty: %+v", r)
	}
	for i, c := range r.Cells()[2:12] {
		if c.Valid {
			t.Fatalf("cell %d should be absent", i+2)
		}
	}
}

func TestExtract_Deterministic(t *testing.T) {
	lines := []string{"Owner: A", "_x", "Recommendations:", "rest"}
	h := segment.Header{Timestamp: "02/01/2025 09:07", Kind: "Visit"}
	a, b := Extract(h, lines), Extract(h, lines)
	if a.Procedures != b.Procedures || str(a.OwnerName) != str(b.OwnerName) || a.Recommendations != b.Recommendations {
		t.Fatal("extraction is not deterministic")
	}
}

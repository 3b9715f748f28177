package authz

import (
	"strings"
	"testing"
)

func TestValidateFilePermissionRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "create single path", body: `{"operation":"create","filePath":"src/a.go"}`},
		{name: "delete many paths", body: `{"operation":"DELETE","filePaths":["a","b"]}`},
		{name: "move with target", body: `{"operation":"move","filePath":"a","targetPath":"b"}`},
		{name: "not an object", body: `["create"]`, wantErr: "invalid JSON"},
		{name: "malformed", body: `{"operation":`, wantErr: "invalid JSON"},
		{name: "missing operation", body: `{"filePath":"a"}`, wantErr: "operation is required"},
		{name: "unknown operation", body: `{"operation":"chmod","filePath":"a"}`, wantErr: "unsupported operation"},
		{name: "missing paths", body: `{"operation":"create","filePaths":[" "]}`, wantErr: "filePath or filePaths"},
		{name: "rename without target", body: `{"operation":"rename","filePath":"a"}`, wantErr: "targetPath is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateFilePermissionRequest([]byte(tt.body))
			if tt.wantErr == "" {
				if !res.Valid {
					t.Fatalf("expected valid, got %q", res.Error)
				}

				return
			}

			if res.Valid || !strings.Contains(res.Error, tt.wantErr) {
				t.Fatalf("got %+v, want error containing %q", res, tt.wantErr)
			}
		})
	}
}

func TestValidateQuestionRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "free text question", body: `{"question":"Which branch?"}`},
		{name: "with options", body: `{"question":"Pick","options":[{"label":"A"},{"label":"B","description":"second"}],"multiSelect":true}`},
		{name: "empty question", body: `{"question":"  "}`, wantErr: "question is required"},
		{name: "blank label", body: `{"question":"Pick","options":[{"label":""}]}`, wantErr: "options[0].label"},
		{name: "duplicate label", body: `{"question":"Pick","options":[{"label":"A"},{"label":"A"}]}`, wantErr: "duplicate option label"},
		{name: "empty body", body: ``, wantErr: "invalid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateQuestionRequest([]byte(tt.body))
			if tt.wantErr == "" {
				if !res.Valid {
					t.Fatalf("expected valid, got %q", res.Error)
				}

				return
			}

			if res.Valid || !strings.Contains(res.Error, tt.wantErr) {
				t.Fatalf("got %+v, want error containing %q", res, tt.wantErr)
			}
		})
	}
}

func TestBuildFilePermissionRequest(t *testing.T) {
	in := FilePermissionInput{
		Operation:      OpRename,
		FilePath:       " old.txt ",
		FilePaths:      []string{"", "extra.txt"},
		TargetPath:     "new.txt",
		ContentPreview: strings.Repeat("x", maxContentPreview+10),
	}

	req := BuildFilePermissionRequest("req-1", "task-1", in)

	if req.ID != "req-1" || req.TaskID != "task-1" || req.Kind != KindPermission {
		t.Fatalf("unexpected header: %+v", req)
	}

	if req.CreatedAt.IsZero() {
		t.Fatal("CreatedAt should be set")
	}

	got := req.File
	if len(got.FilePaths) != 2 || got.FilePaths[0] != "old.txt" || got.FilePaths[1] != "extra.txt" {
		t.Fatalf("FilePaths = %q", got.FilePaths)
	}

	if got.TargetPath != "new.txt" {
		t.Fatalf("TargetPath = %q", got.TargetPath)
	}

	if n := len([]rune(got.ContentPreview)); n != maxContentPreview+1 {
		t.Fatalf("preview length = %d, want truncated to %d", n, maxContentPreview+1)
	}

	if req.Question != nil {
		t.Fatal("permission request must not carry question details")
	}
}

func TestBuildQuestionRequest(t *testing.T) {
	req := BuildQuestionRequest("req-2", "task-1", QuestionInput{
		Question:    " Deploy now? ",
		Header:      "Deploy",
		Options:     []QuestionOption{{Label: " Yes "}, {Label: "No", Description: "later"}},
		MultiSelect: false,
	})

	if req.Kind != KindQuestion || req.File != nil {
		t.Fatalf("unexpected request: %+v", req)
	}

	q := req.Question
	if q.Question != "Deploy now?" || q.Header != "Deploy" || len(q.Options) != 2 || q.Options[0].Label != "Yes" {
		t.Fatalf("unexpected question details: %+v", q)
	}
}

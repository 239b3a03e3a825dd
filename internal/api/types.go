package api

type OpenRepoRequest struct {
	Repo  string `json:"repo"`
	Force bool   `json:"force"`
}

type PathRequest struct {
	Path string `json:"path"`
}

type CreateFileRequest struct {
	Dir  string `json:"dir"`
	Name string `json:"name"`
}

const (
	encodingUTF8   = "utf-8"
	encodingBase64 = "base64"
)

type BufferRequest struct {
	// Content is nil on save when the buffer is saved as is.
	Content *string `json:"content"`
	// Encoding is "utf-8" (default) or "base64".
	Encoding string `json:"encoding,omitempty"`
}

type CommitRequest struct {
	Message string `json:"message"`
	// Amend defaults to true.
	Amend *bool `json:"amend"`
}

type NodeView struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Kind     string     `json:"kind"`
	Dirty    bool       `json:"dirty"`
	Ref      string     `json:"ref,omitempty"`
	Loaded   bool       `json:"loaded,omitempty"`
	Bound    bool       `json:"bound,omitempty"`
	Children []NodeView `json:"children,omitempty"`
}

type BufferView struct {
	Handle  string `json:"handle"`
	Path    string `json:"path"`
	Content string `json:"content"`

	// Encoding is "base64" when the content is not valid UTF-8.
	Encoding string `json:"encoding"`
	Version  int64  `json:"version"`
}

type CommitResponse struct {
	Committed bool     `json:"committed"`
	Commit    string   `json:"commit,omitempty"`
	Amended   bool     `json:"amended,omitempty"`
	Files     []string `json:"files,omitempty"`
}

type StatusResponse struct {
	Repo       string   `json:"repo"`
	Branch     string   `json:"branch"`
	LastCommit string   `json:"lastCommit"`
	OpenFiles  []string `json:"openFiles"`
	DirtyFiles []string `json:"dirtyFiles"`
}

type errorResponse struct {
	Error string `json:"error"`
}

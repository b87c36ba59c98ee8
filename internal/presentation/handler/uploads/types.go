package uploads

// uploadResponse keeps the field names browsers of the first client expect.
// fileUrl and contentLocator carry the same value.
type uploadResponse struct {
	Success        bool   `json:"success"`
	FileURL        string `json:"fileUrl"`
	FileName       string `json:"fileName"`
	FileType       string `json:"fileType"`
	FileSize       int64  `json:"fileSize"`
	ContentLocator string `json:"contentLocator"`
}

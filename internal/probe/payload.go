package probe

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
)

// Payload 上传测速使用的本地文件
type Payload struct {
	Path string
	Size int64
}

// SelectPayload 在目录中选择最大的普通文件作为上传负载
func SelectPayload(dir string) (Payload, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Payload{}, fmt.Errorf("读取负载目录失败 (%s): %w", dir, err)
	}

	var best Payload
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > best.Size {
			best = Payload{Path: filepath.Join(dir, entry.Name()), Size: info.Size()}
		}
	}

	if best.Size == 0 {
		return Payload{}, fmt.Errorf("目录中没有可用的负载文件: %s", dir)
	}
	return best, nil
}

// Copies 计算需要重复多少次才能接近目标字节数
func (p Payload) Copies(target int64) int {
	if p.Size <= 0 {
		return 0
	}
	n := (target + p.Size - 1) / p.Size
	if n < 1 {
		n = 1
	}
	return int(n)
}

// multipartBody 将同一文件重复 copies 次写成 multipart 请求体（流式）
type multipartBody struct {
	payload     Payload
	copies      int
	boundary    string
	contentType string
	length      int64
}

func newMultipartBody(payload Payload, copies int) (*multipartBody, error) {
	// 先用计数 writer 走一遍，得到精确的 Content-Length
	cw := &countingWriter{}
	mw := multipart.NewWriter(cw)
	for i := 0; i < copies; i++ {
		if _, err := mw.CreateFormFile("file", partName(payload, i)); err != nil {
			return nil, err
		}
		cw.n += payload.Size
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	return &multipartBody{
		payload:     payload,
		copies:      copies,
		boundary:    mw.Boundary(),
		contentType: mw.FormDataContentType(),
		length:      cw.n,
	}, nil
}

// open 返回一个流式读取的请求体
func (b *multipartBody) open() io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(b.writeTo(pw))
	}()
	return pr
}

func (b *multipartBody) writeTo(w io.Writer) error {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(b.boundary); err != nil {
		return err
	}
	for i := 0; i < b.copies; i++ {
		part, err := mw.CreateFormFile("file", partName(b.payload, i))
		if err != nil {
			return err
		}
		if err := copyFile(part, b.payload.Path, b.payload.Size); err != nil {
			return err
		}
	}
	return mw.Close()
}

// copyFile 写入固定长度，保证与预先计算的长度一致
func copyFile(w io.Writer, path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := io.Copy(w, io.LimitReader(f, size))
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("负载文件长度变化: 期望 %d, 实际 %d", size, n)
	}
	return nil
}

func partName(p Payload, i int) string {
	return fmt.Sprintf("%d-%s", i, filepath.Base(p.Path))
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"speedprobe/internal/config"
	"speedprobe/internal/logger"
	"speedprobe/internal/storage"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter S3 上传接口，便于替换
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Snapshot 导出文件内容
type Snapshot struct {
	ExportedAt time.Time               `json:"exportedAt"`
	Count      int                     `json:"count"`
	Entries    []*storage.HistoryEntry `json:"entries"`
}

// S3Exporter 将测速记录快照上传到 S3
type S3Exporter struct {
	client ObjectPutter
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Exporter 使用默认凭证链创建导出器
func NewS3Exporter(ctx context.Context, cfg config.ExportConfig) (*S3Exporter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("未配置导出 bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("加载 AWS 配置失败: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ExporterWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3ExporterWithClient 使用已有客户端创建导出器
func NewS3ExporterWithClient(client ObjectPutter, bucket, prefix string) *S3Exporter {
	return &S3Exporter{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// Export 上传快照，返回对象 key
func (e *S3Exporter) Export(ctx context.Context, entries []*storage.HistoryEntry) (string, error) {
	now := e.now().UTC()
	if entries == nil {
		entries = []*storage.HistoryEntry{}
	}

	body, err := json.MarshalIndent(Snapshot{ExportedAt: now, Count: len(entries), Entries: entries}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化测速记录失败: %w", err)
	}

	key := e.prefix + "history-" + now.Format("20060102-150405") + ".json"
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("上传到 s3://%s/%s 失败: %w", e.bucket, key, err)
	}

	logger.Infof("[Export] ✓ 已导出 %d 条记录到 s3://%s/%s", len(entries), e.bucket, key)
	return key, nil
}

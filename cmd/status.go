package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
)

const statusTimeout = 5 * time.Second

// statusClient 是 status 命令共用的 fasthttp 客户端
var statusClient = &fasthttp.Client{Name: "obs-sync/" + Version}

// printStatus 请求节点的 GET /api/v1/status 并打印结果
func printStatus(cmd *cobra.Command, address string) error {
	url := strings.TrimRight(address, "/") + "/api/v1/status"

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")

	if err := statusClient.DoTimeout(req, resp, statusTimeout); err != nil {
		return fmt.Errorf("请求 %s 失败: %w", url, err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return fmt.Errorf("请求 %s 失败: HTTP %d", url, code)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, resp.Body(), "", "  "); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	out.WriteByte('\n')
	_, err := cmd.OutOrStdout().Write(out.Bytes())
	return err
}

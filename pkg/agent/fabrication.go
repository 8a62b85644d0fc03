package agent

import (
	"log/slog"
	"regexp"
	"unicode/utf8"
)

// fabricationPatterns match text where the model narrates command
// execution it never performed. Hits force a retry with
// tool_choice=required.
var fabricationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(已|已经|我已|我已经|已通过|通过).{0,15}(执行|运行|调用).{0,20}(命令|指令|rm|touch|mkdir|cp|mv|cat|ls|git|docker|pip|npm|cd|echo|python|curl|wget|chmod|chown|kill|bash|sh|find|grep|sed|awk)`),
	regexp.MustCompile(`(?i)(执行了|运行了|已运行|已执行|调用了)\s*.{0,10}(命令|指令|工具|rm|touch|mkdir|cp|mv|cat|git|pip|npm|python)`),
	regexp.MustCompile(`(?i)(已|已经|已成功|成功)(删除|创建|移动|复制|修改|移除|安装|卸载|停止|启动|重启|写入|清除|清空)`),
	regexp.MustCompile(`(?i)(命令|指令).{0,20}(执行|运行).{0,10}(完成|成功|完毕|结果|输出|显示)`),
	regexp.MustCompile(`(?i)(文件|目录|文件夹).{0,30}(不存在|已被删除|已删除|已创建|已移动|已被移除|已清空|已被清空)`),
	regexp.MustCompile(`(?i)/\S+\s+(文件|目录|文件夹)?.{0,5}(不存在|已被?删除|已被?移除|已创建)`),
	regexp.MustCompile(`(?i)(通过|使用|利用).{0,5}(工具|tool).{0,10}(调用|执行|运行)`),
	regexp.MustCompile(`(?i)(执行结果|输出结果|返回结果|运行结果|结果显示|输出显示|结果如下|输出如下)`),
	regexp.MustCompile(`(?i)(No such file|Permission denied|command not found|cannot remove|cannot create|Operation not permitted)`),
}

// DetectFabrication reports whether the text claims tool execution
// results that only a real tool call could produce.
func DetectFabrication(text string) bool {
	if utf8.RuneCountInString(text) < 10 {
		return false
	}
	for _, pattern := range fabricationPatterns {
		if loc := pattern.FindStringIndex(text); loc != nil {
			slog.Info("伪造检测命中模式", "pattern", runePrefix(pattern.String(), 50), "snippet", runePrefix(text, 100))
			return true
		}
	}
	return false
}

func runePrefix(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

package main

import (
	"fmt"
	"strings"

	"gridstore/pkg/resource"
	"gridstore/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	primaryColor = lipgloss.Color("#7571f9")
	mutedColor   = lipgloss.Color("#6c757d")
	okColor      = lipgloss.Color("#42c767")
	dangerColor  = lipgloss.Color("#ff6b6b")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Underline(true).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

func treeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Show the configured resource tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tree, err := resource.NewTree(cfg.ResourceDefinitions())
			if err != nil {
				return err
			}
			fmt.Println(renderResourceTree(tree, cfg.Server.Host))
			return nil
		},
	}
}

func renderResourceTree(tree *resource.Tree, localHost string) string {
	var b strings.Builder
	roots := tree.Roots()
	for i, root := range roots {
		renderNode(&b, root, "", i == len(roots)-1, localHost)
	}

	leaves := 0
	tree.Walk(func(n *resource.Node, _ int) {
		if n.IsLeaf() {
			leaves++
		}
	})
	stats := mutedStyle.Render(fmt.Sprintf("\n%d resources, %d leaves", tree.Len(), leaves))

	return panelStyle.Render(headerStyle.Render("RESOURCE TREE") + "\n" + b.String() + stats)
}

func renderNode(b *strings.Builder, n *resource.Node, prefix string, isLast bool, localHost string) {
	branch := "├── "
	if isLast {
		branch = "└── "
	}

	nameStyle := lipgloss.NewStyle()
	if n.IsLeaf() {
		nameStyle = nameStyle.Foreground(lipgloss.Color("#ffffff"))
	} else {
		nameStyle = nameStyle.Bold(true).Foreground(primaryColor)
	}

	b.WriteString(prefix + branch + nameStyle.Render(n.Name))
	b.WriteString(mutedStyle.Render(" [" + n.Type + "]"))

	if n.IsLeaf() {
		host := n.Host
		if host == localHost {
			host += " (local)"
		}
		b.WriteString(mutedStyle.Render(" " + host))
		if n.MaxObjectSize > 0 {
			b.WriteString(mutedStyle.Render(" max " + utils.FormatDataSize(n.MaxObjectSize)))
		}
	}

	if n.IsUp() {
		b.WriteString(" " + lipgloss.NewStyle().Foreground(okColor).Render("up"))
	} else {
		b.WriteString(" " + lipgloss.NewStyle().Foreground(dangerColor).Bold(true).Render("down"))
	}
	b.WriteString("\n")

	childPrefix := prefix + "│   "
	if isLast {
		childPrefix = prefix + "    "
	}
	for i, child := range n.Children {
		renderNode(b, child, childPrefix, i == len(n.Children)-1, localHost)
	}
}
